package client

import "sync"

// SubscriptionSet owns a group of subscriptions and releases them together.
type SubscriptionSet struct {
	mu      sync.Mutex
	cancels []func()
	closed  bool
}

// Add takes ownership of cancel. Adding to a closed set cancels at once.
func (s *SubscriptionSet) Add(cancel func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Close cancels every subscription once.
func (s *SubscriptionSet) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.closed = true
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
