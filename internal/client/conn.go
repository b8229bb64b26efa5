// Package client is the participant side of the relay: a websocket
// connection that dispatches typed relay messages, and the RoomSession that
// drives negotiation for one room.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var ErrConnClosed = errors.New("relay connection closed")

// Signaler is what a RoomSession needs from the relay connection.
type Signaler interface {
	Emit(protocol.Message) error
	// Subscribe registers fn for every incoming message with the given event
	// name. fn runs on the connection's read goroutine.
	Subscribe(event string, fn func(protocol.Message)) (unsubscribe func())
	// Done is closed once the relay connection is gone.
	Done() <-chan struct{}
}

type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	handlers map[string]map[uint64]func(protocol.Message)
	nextID   uint64
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Conn{
		ws:       ws,
		send:     make(chan core.Frame, 32),
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]func(protocol.Message)),
	}
	go c.writePump()
	go c.readLoop()
	return c, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Emit(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) Subscribe(event string, fn func(protocol.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(protocol.Message))
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "client.conn").Msg("set write deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "client.conn").Msg("write")
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "client.conn").Msg("read")
			}
			return
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.conn").Msg("dropped relay frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg protocol.Message) {
	c.mu.RLock()
	fns := make([]func(protocol.Message), 0, len(c.handlers[msg.Event()]))
	for _, fn := range c.handlers[msg.Event()] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}
