package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *recordingConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.DecodeOutbound(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type routerFixture struct {
	router  *Router
	metrics *metrics.Metrics
	conns   map[domain.ConnectionID]*recordingConn
}

func newRouterFixture(t *testing.T, opts ...RouterOption) *routerFixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	opts = append([]RouterOption{WithMetrics(m)}, opts...)
	return &routerFixture{
		router:  NewRouter(NewRegistry(), opts...),
		metrics: m,
		conns:   make(map[domain.ConnectionID]*recordingConn),
	}
}

func (f *routerFixture) connect(ids ...domain.ConnectionID) {
	for _, id := range ids {
		c := &recordingConn{}
		f.conns[id] = c
		f.router.connect(id, c)
	}
}

func (f *routerFixture) handle(from domain.ConnectionID, msg protocol.Message) {
	f.router.Handle(context.Background(), from, msg)
}

func (f *routerFixture) resetAll() {
	for _, c := range f.conns {
		c.reset()
	}
}

var offer = json.RawMessage(`{"type":"offer","sdp":"O1"}`)
var answer = json.RawMessage(`{"type":"answer","sdp":"S1"}`)

func TestJoinAckGoesOnlyToJoiner(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B", "C")

	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	assert.Equal(t, []protocol.Message{protocol.RoomJoined{Email: "a@x", Room: "r1", ID: "A"}}, f.conns["A"].messages(t))
	assert.Empty(t, f.conns["B"].messages(t))

	f.resetAll()
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})

	assert.Equal(t, []protocol.Message{protocol.UserJoined{Email: "b@x", ID: "B"}}, f.conns["A"].messages(t))
	assert.Equal(t, []protocol.Message{protocol.RoomJoined{Email: "b@x", Room: "r1", ID: "B"}}, f.conns["B"].messages(t))
	assert.Empty(t, f.conns["C"].messages(t), "connections outside the room hear nothing")
}

func TestJoinOnlyNotifiesMembersPresentAtJoinTime(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B", "C")

	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r2"})
	f.resetAll()

	f.handle("C", protocol.RoomJoin{Email: "c@x", Room: "r1"})
	assert.Len(t, f.conns["A"].messages(t), 1)
	assert.Empty(t, f.conns["B"].messages(t))
}

func TestRejoinSameRoomDoesNotAnnounceToSelf(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.resetAll()

	f.handle("A", protocol.RoomJoin{Email: "a2@x", Room: "r1"})
	assert.Equal(t, []protocol.Message{protocol.RoomJoined{Email: "a2@x", Room: "r1", ID: "A"}}, f.conns["A"].messages(t))
}

func TestRejoinOtherRoomLeavesPrevious(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})
	f.resetAll()

	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r2"})
	assert.Equal(t, []protocol.Message{protocol.UserLeft{Email: "b@x", ID: "B"}}, f.conns["A"].messages(t))
	assert.Equal(t, []domain.ConnectionID{"A"}, f.router.Registry.MembersOf("r1"))
}

func TestBadJoinIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A")
	f.handle("A", protocol.RoomJoin{Email: "  ", Room: "r1"})

	assert.Empty(t, f.conns["A"].messages(t))
	assert.Empty(t, f.router.Registry.Rooms())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropBadPayload)))
}

func TestJoinAckEchoesPayload(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.resetAll()

	f.handle("B", protocol.RoomJoin{Email: "  b@x ", Room: "r1 "})

	assert.Equal(t, []protocol.Message{
		protocol.RoomJoined{Email: "  b@x ", Room: "r1 ", ID: "B"},
	}, f.conns["B"].messages(t))
	assert.Equal(t, []protocol.Message{
		protocol.UserJoined{Email: "b@x", ID: "B"},
	}, f.conns["A"].messages(t))
	assert.Equal(t, []domain.ConnectionID{"A", "B"}, f.router.Registry.MembersOf("r1"))
}

func TestCallFlowIsRelayedWithSender(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})
	f.resetAll()

	f.handle("A", protocol.UserCall{To: "B", Offer: offer})
	require.Equal(t, []protocol.Message{protocol.IncomingCall{From: "A", Offer: offer}}, f.conns["B"].messages(t))

	f.handle("B", protocol.CallAccept{To: "A", Answer: answer})
	require.Equal(t, []protocol.Message{protocol.CallAccepted{From: "B", Answer: answer}}, f.conns["A"].messages(t))

	f.resetAll()
	f.handle("B", protocol.NegoNeeded{To: "A", Offer: offer})
	require.Equal(t, []protocol.Message{protocol.PeerNegoNeeded{From: "B", Offer: offer}}, f.conns["A"].messages(t))

	f.handle("A", protocol.NegoDone{To: "B", Answer: answer})
	require.Equal(t, []protocol.Message{protocol.NegoFinal{From: "A", Answer: answer}}, f.conns["B"].messages(t))

	f.resetAll()
	f.handle("A", protocol.CallEnd{To: "B"})
	require.Equal(t, []protocol.Message{protocol.CallEnded{From: "A"}}, f.conns["B"].messages(t))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Routed.WithLabelValues(protocol.EventIncomingCall)))
}

func TestRoutingMissIsSilent(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A")
	f.handle("A", protocol.UserCall{To: "ghost", Offer: offer})

	assert.Empty(t, f.conns["A"].messages(t), "sender is never told about a routing miss")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropRoutingMiss)))
}

func TestDisconnectMidNegotiation(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})
	f.handle("A", protocol.UserCall{To: "B", Offer: offer})
	f.resetAll()

	ctx := context.Background()
	f.router.disconnect(ctx, "A")

	_, ok := f.router.Registry.Resolve("A")
	assert.False(t, ok)
	assert.Equal(t, []protocol.Message{protocol.UserLeft{Email: "a@x", ID: "A"}}, f.conns["B"].messages(t))

	f.handle("B", protocol.CallAccept{To: "A", Answer: answer})
	assert.Empty(t, f.conns["A"].messages(t))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Routed.WithLabelValues(protocol.EventCallAccepted)))
}

func TestDisconnectTwiceMatchesOnce(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})
	f.resetAll()

	ctx := context.Background()
	f.router.disconnect(ctx, "A")
	rooms := f.router.Registry.Rooms()
	f.router.disconnect(ctx, "A")

	assert.Equal(t, rooms, f.router.Registry.Rooms())
	assert.Len(t, f.conns["B"].messages(t), 1, "departure is announced once")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connections))
}

func TestDepartureNoticesCanBeDisabled(t *testing.T) {
	f := newRouterFixture(t, WithDepartureNotices(false))
	f.connect("A", "B")
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})
	f.resetAll()

	f.handle("A", protocol.RoomLeave{})
	assert.Empty(t, f.conns["B"].messages(t))

	_, ok := f.router.Registry.Conn("A")
	assert.True(t, ok, "explicit leave keeps the connection")
}

func TestBackpressureKicksSlowConnection(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A", "B")
	f.conns["B"].full = true

	f.handle("A", protocol.UserCall{To: "B", Offer: offer})
	assert.True(t, f.conns["B"].isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Kicked))
}

func TestBackpressureDropPolicyKeepsConnection(t *testing.T) {
	f := newRouterFixture(t, WithPolicy(DropPolicy{}))
	f.connect("A", "B")
	f.conns["B"].full = true

	f.handle("A", protocol.UserCall{To: "B", Offer: offer})
	assert.False(t, f.conns["B"].isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropBackpressure)))
}

func TestUnknownFrameIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("A")
	f.router.handleFrame(context.Background(), "A", core.Frame(`{"event":"whoami"}`))
	f.router.handleFrame(context.Background(), "A", core.Frame(`garbage`))

	assert.Empty(t, f.conns["A"].messages(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropUnknownEvent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropBadPayload)))
}

type recordingPresence struct {
	mu     sync.Mutex
	joined []domain.ConnectionID
	left   []domain.ConnectionID
}

func (p *recordingPresence) Joined(_ context.Context, _ domain.RoomID, id domain.ConnectionID, _ domain.Email) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, id)
	return nil
}

func (p *recordingPresence) Left(_ context.Context, _ domain.RoomID, id domain.ConnectionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, id)
	return nil
}

func (p *recordingPresence) Count(context.Context, domain.RoomID) (int64, error) { return 0, nil }

func TestRunLoopAppliesEventsInOrder(t *testing.T) {
	pres := &recordingPresence{}
	r := NewRouter(NewRegistry(), WithPresence(pres))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := &recordingConn{}, &recordingConn{}
	r.Connect("A", a)
	r.Connect("B", b)
	join := func(email string) core.Frame {
		f, err := protocol.Encode(protocol.RoomJoin{Email: email, Room: "r1"})
		require.NoError(t, err)
		return f
	}
	r.Deliver("A", join("a@x"))
	r.Deliver("B", join("b@x"))
	r.Disconnect("B")

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.frames) == 3
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		pres.mu.Lock()
		defer pres.mu.Unlock()
		return len(pres.left) == 1
	}, time.Second, 5*time.Millisecond)
	pres.mu.Lock()
	assert.Equal(t, []domain.ConnectionID{"A", "B"}, pres.joined)
	assert.Equal(t, []domain.ConnectionID{"B"}, pres.left)
	pres.mu.Unlock()
	assert.Equal(t, []protocol.Message{
		protocol.RoomJoined{Email: "a@x", Room: "r1", ID: "A"},
		protocol.UserJoined{Email: "b@x", ID: "B"},
		protocol.UserLeft{Email: "b@x", ID: "B"},
	}, a.messages(t))

	cancel()
	r.Disconnect("A") // must not block once the loop is gone
}

// blockingPresence holds every update until release is closed or the update
// times out.
type blockingPresence struct {
	release chan struct{}
}

func (p blockingPresence) wait(ctx context.Context) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p blockingPresence) Joined(ctx context.Context, _ domain.RoomID, _ domain.ConnectionID, _ domain.Email) error {
	return p.wait(ctx)
}

func (p blockingPresence) Left(ctx context.Context, _ domain.RoomID, _ domain.ConnectionID) error {
	return p.wait(ctx)
}

func (p blockingPresence) Count(context.Context, domain.RoomID) (int64, error) { return 0, nil }

func TestSlowPresenceDoesNotStallRouting(t *testing.T) {
	pres := blockingPresence{release: make(chan struct{})}
	defer close(pres.release)
	r := NewRouter(NewRegistry(), WithPresence(pres))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b, c := &recordingConn{}, &recordingConn{}, &recordingConn{}
	r.Connect("A", a)
	r.Connect("B", b)
	r.Connect("C", c)

	join, err := protocol.Encode(protocol.RoomJoin{Email: "a@x", Room: "r1"})
	require.NoError(t, err)
	r.Deliver("A", join)
	call, err := protocol.Encode(protocol.UserCall{To: "C", Offer: json.RawMessage(`{"sdp":"o"}`)})
	require.NoError(t, err)
	r.Deliver("B", call)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.frames) == 1
	}, 200*time.Millisecond, 5*time.Millisecond, "user:call waited behind presence")
	assert.Equal(t, []protocol.Message{
		protocol.IncomingCall{From: "B", Offer: json.RawMessage(`{"sdp":"o"}`)},
	}, c.messages(t))
}

func TestPresenceBacklogDropsUpdates(t *testing.T) {
	pres := blockingPresence{release: make(chan struct{})}
	defer close(pres.release)
	f := newRouterFixture(t, WithPresence(pres), WithPresenceBacklog(1))
	f.connect("A", "B")

	// No mirror is running, so the first update fills the backlog.
	f.handle("A", protocol.RoomJoin{Email: "a@x", Room: "r1"})
	f.handle("B", protocol.RoomJoin{Email: "b@x", Room: "r1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(metrics.DropPresenceBacklog)))
	assert.Equal(t, []domain.ConnectionID{"A", "B"}, f.router.Registry.MembersOf("r1"))
}
