package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Callroom/internal/app"
	"github.com/dkeye/Callroom/internal/client"
	"github.com/dkeye/Callroom/internal/config"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPresence struct{ n int64 }

func (p countingPresence) Joined(context.Context, domain.RoomID, domain.ConnectionID, domain.Email) error {
	return nil
}
func (p countingPresence) Left(context.Context, domain.RoomID, domain.ConnectionID) error { return nil }
func (p countingPresence) Count(context.Context, domain.RoomID) (int64, error)            { return p.n, nil }

type listingPresence struct {
	countingPresence
	members map[domain.ConnectionID]domain.Email
}

func (p listingPresence) Members(context.Context, domain.RoomID) (map[domain.ConnectionID]domain.Email, error) {
	return p.members, nil
}

type testServer struct {
	*httptest.Server
	relay *app.Router
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:             "test",
		ReadLimit:        32768,
		PingPeriod:       time.Second,
		PongWait:         2 * time.Second,
		WriteWait:        time.Second,
		SendBuffer:       16,
		NotifyDepartures: true,
		RateLimit:        config.RateLimitConfig{Messages: 100, Interval: time.Second},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, presence app.Presence) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	relay := app.NewRouter(app.NewRegistry(), app.WithMetrics(m), app.WithDepartureNotices(cfg.NotifyDepartures))

	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)
	engine := SetupRouter(ctx, cfg, Deps{Relay: relay, Presence: presence, Metrics: m, Gatherer: reg})
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, relay: relay}
}

func (s *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/signal"
	if query != "" {
		u += "?" + query
	}
	return u
}

// inbox collects relay messages per event.
type inbox map[string]chan protocol.Message

func listen(t *testing.T, c *client.Conn, events ...string) inbox {
	t.Helper()
	in := make(inbox)
	for _, ev := range events {
		ch := make(chan protocol.Message, 8)
		in[ev] = ch
		c.Subscribe(ev, func(m protocol.Message) { ch <- m })
	}
	return in
}

func (in inbox) next(t *testing.T, event string) protocol.Message {
	t.Helper()
	select {
	case m := <-in[event]:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s message", event)
		return nil
	}
}

func dial(t *testing.T, url string) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSignalingOverWebsocket(t *testing.T) {
	srv := newTestServer(t, testConfig(), countingPresence{n: 2})

	alice := dial(t, srv.wsURL(""))
	aIn := listen(t, alice, protocol.EventRoomJoin, protocol.EventUserJoined, protocol.EventIncomingCall, protocol.EventUserLeft)
	require.NoError(t, alice.Emit(protocol.RoomJoin{Email: "alice@example.com", Room: "42"}))
	aAck := aIn.next(t, protocol.EventRoomJoin).(protocol.RoomJoined)
	require.NotEmpty(t, aAck.ID)

	bob := dial(t, srv.wsURL(""))
	bIn := listen(t, bob, protocol.EventRoomJoin, protocol.EventCallAccepted)
	require.NoError(t, bob.Emit(protocol.RoomJoin{Email: "bob@example.com", Room: "42"}))
	bAck := bIn.next(t, protocol.EventRoomJoin).(protocol.RoomJoined)

	joined := aIn.next(t, protocol.EventUserJoined).(protocol.UserJoined)
	assert.Equal(t, bAck.ID, joined.ID)
	assert.Equal(t, "bob@example.com", joined.Email)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, bob.Emit(protocol.UserCall{To: aAck.ID, Offer: offer}))
	call := aIn.next(t, protocol.EventIncomingCall).(protocol.IncomingCall)
	assert.Equal(t, bAck.ID, call.From)
	assert.JSONEq(t, string(offer), string(call.Offer))

	require.NoError(t, alice.Emit(protocol.CallAccept{To: bAck.ID, Answer: json.RawMessage(`{"type":"answer"}`)}))
	accepted := bIn.next(t, protocol.EventCallAccepted).(protocol.CallAccepted)
	assert.Equal(t, aAck.ID, accepted.From)

	var rooms struct {
		Rooms []app.RoomInfo `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms", &rooms))
	assert.Equal(t, []app.RoomInfo{{Room: "42", MemberCount: 2}}, rooms.Rooms)

	var members MembersResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/42/members", &members))
	assert.Len(t, members.Members, 2)
	require.NotNil(t, members.ClusterCount)
	assert.Equal(t, int64(2), *members.ClusterCount)

	bob.Close()
	left := aIn.next(t, protocol.EventUserLeft).(protocol.UserLeft)
	assert.Equal(t, bAck.ID, left.ID)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `callroom_relay_messages_routed_total{event="incoming:call"} 1`)
}

func TestMembersRejectsBadRoom(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	var body map[string]any
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/rooms/"+strings.Repeat("r", 65)+"/members", &body))

	var members MembersResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/empty/members", &members))
	assert.Empty(t, members.Members)
	assert.Nil(t, members.ClusterCount)
}

func TestMembersIncludesClusterList(t *testing.T) {
	pres := listingPresence{
		countingPresence: countingPresence{n: 2},
		members: map[domain.ConnectionID]domain.Email{
			"remote-2": "zed@example.com",
			"remote-1": "amy@example.com",
		},
	}
	srv := newTestServer(t, testConfig(), pres)

	var members MembersResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/r1/members", &members))
	assert.Empty(t, members.Members)
	require.NotNil(t, members.ClusterCount)
	assert.EqualValues(t, 2, *members.ClusterCount)
	assert.Equal(t, []domain.Participant{
		{ID: "remote-1", Email: "amy@example.com", Room: "r1"},
		{ID: "remote-2", Email: "zed@example.com", Room: "r1"},
	}, members.ClusterMembers)

	srv = newTestServer(t, testConfig(), countingPresence{n: 1})
	members = MembersResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/r1/members", &members))
	assert.Nil(t, members.ClusterMembers, "count-only presence has no member list")
}

func TestSignalRequiresTokenWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "secret"
	srv := newTestServer(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, srv.wsURL(""), nil)
	require.Error(t, err)

	bad, err := IssueToken("other", "alice", time.Minute)
	require.NoError(t, err)
	_, err = client.Dial(ctx, srv.wsURL("token="+bad), nil)
	require.Error(t, err)

	good, err := IssueToken("secret", "alice", time.Minute)
	require.NoError(t, err)
	dial(t, srv.wsURL("token="+good))

	header := http.Header{"Authorization": []string{"Bearer " + good}}
	c, err := client.Dial(ctx, srv.wsURL(""), header)
	require.NoError(t, err)
	c.Close()
}

func TestOriginFilter(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://allowed.example"}
	srv := newTestServer(t, cfg, nil)

	do := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusForbidden, do("http://evil.example").StatusCode)
	ok := do("http://allowed.example")
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, "http://allowed.example", ok.Header.Get("Access-Control-Allow-Origin"))
}
