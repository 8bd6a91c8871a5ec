package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// phoenixServer is a minimal realtime server. It acks every push with an
// ok reply unless reply returns false, and records every inbound frame.
type phoenixServer struct {
	*httptest.Server

	mu       sync.Mutex
	frames   []protocol.Message
	conns    []*websocket.Conn
	writeMu  sync.Mutex
	response json.RawMessage
	silent   map[string]bool // events that get no reply
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	ps := &phoenixServer{
		response: json.RawMessage(`{}`),
		silent:   make(map[string]bool),
	}
	ps.Server = mockWSServer(t, func(conn *websocket.Conn) {
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			ps.mu.Lock()
			ps.frames = append(ps.frames, msg)
			silent := ps.silent[msg.Event]
			response := ps.response
			ps.mu.Unlock()

			if silent || msg.Ref == "" {
				continue
			}
			payload, _ := json.Marshal(protocol.Reply{Status: protocol.StatusOK, Response: response})
			ps.write(conn, protocol.Message{
				Topic:   msg.Topic,
				Event:   protocol.EventReply,
				Payload: payload,
				Ref:     msg.Ref,
				JoinRef: msg.JoinRef,
			})
		}
	})
	return ps
}

func (ps *phoenixServer) write(conn *websocket.Conn, msg protocol.Message) {
	data, _ := json.Marshal(msg)
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// broadcast sends msg on every open connection.
func (ps *phoenixServer) broadcast(msg protocol.Message) {
	ps.mu.Lock()
	conns := append([]*websocket.Conn(nil), ps.conns...)
	ps.mu.Unlock()
	for _, c := range conns {
		ps.write(c, msg)
	}
}

// dropAll closes every server side connection.
func (ps *phoenixServer) dropAll() {
	ps.mu.Lock()
	conns := ps.conns
	ps.conns = nil
	ps.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (ps *phoenixServer) received(event string) []protocol.Message {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []protocol.Message
	for _, f := range ps.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (ps *phoenixServer) endpoint() string {
	return ps.URL + "/realtime/v1"
}

type recordingHandler struct {
	mu         sync.Mutex
	messages   []protocol.Message
	tokens     []string
	reconnects int
}

func (h *recordingHandler) HandleMessage(msg protocol.Message, receivedAt time.Time) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleReconnect() {
	h.mu.Lock()
	h.reconnects++
	h.mu.Unlock()
}

func (h *recordingHandler) HandleAccessToken(token string) {
	h.mu.Lock()
	h.tokens = append(h.tokens, token)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([]protocol.Message, []string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.messages...), append([]string(nil), h.tokens...), h.reconnects
}

func testManagerConfig(endpoint string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Endpoint = endpoint
	cfg.APIKey = "anon"
	cfg.PushTimeout = time.Second
	cfg.ReconnectBaseWait = 20 * time.Millisecond
	cfg.ReconnectMaxWait = 100 * time.Millisecond
	cfg.Client = testClientConfig("")
	return cfg
}

func startManager(t *testing.T, cfg ManagerConfig) Manager {
	t.Helper()
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewManager_InvalidEndpoint(t *testing.T) {
	_, err := NewManager(ManagerConfig{Endpoint: "ftp://nowhere"}, nil)
	if err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestManager_PushReceivesReply(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()
	ps.response = json.RawMessage(`{"postgres_changes":[{"id":7,"event":"*","schema":"public","table":"todos"}]}`)

	m := startManager(t, testManagerConfig(ps.endpoint()))
	if m.State() != StateConnected {
		t.Fatalf("State = %v, want connected", m.State())
	}

	reply, err := m.Push(context.Background(), "test", protocol.EventJoin, protocol.JoinPayload{}, "1")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !reply.OK() {
		t.Errorf("Status = %s, want ok", reply.Status)
	}

	var resp protocol.JoinResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.PostgresChanges) != 1 || resp.PostgresChanges[0].ID != 7 {
		t.Errorf("PostgresChanges = %+v, want id 7", resp.PostgresChanges)
	}

	joins := ps.received(protocol.EventJoin)
	if len(joins) != 1 {
		t.Fatalf("server saw %d joins, want 1", len(joins))
	}
	if joins[0].Topic != "realtime:test" {
		t.Errorf("Topic = %s, want realtime:test", joins[0].Topic)
	}
	if joins[0].JoinRef != "1" {
		t.Errorf("JoinRef = %s, want 1", joins[0].JoinRef)
	}
}

func TestManager_PushTimeout(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()
	ps.silent[protocol.EventLeave] = true

	cfg := testManagerConfig(ps.endpoint())
	cfg.PushTimeout = 50 * time.Millisecond
	m := startManager(t, cfg)

	_, err := m.Push(context.Background(), "test", protocol.EventLeave, nil, "")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if m.Stats().PendingPushes != 0 {
		t.Errorf("PendingPushes = %d, want 0", m.Stats().PendingPushes)
	}
}

func TestManager_PushContextCancelled(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()
	ps.silent[protocol.EventLeave] = true

	m := startManager(t, testManagerConfig(ps.endpoint()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Push(ctx, "test", protocol.EventLeave, nil, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestManager_OutlivesStartContext(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()

	m, err := NewManager(testManagerConfig(ps.endpoint()), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	// Leaving after the caller's context ended still gets a reply
	start := time.Now()
	if _, err := m.Push(context.Background(), "test", protocol.EventLeave, nil, "1"); err != nil {
		t.Fatalf("Push after cancel failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Push took %v, want a prompt reply", elapsed)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	m.Stop(stopCtx)
	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
}

func TestManager_PushNotConnected(t *testing.T) {
	m, err := NewManager(testManagerConfig("http://127.0.0.1:1/realtime/v1"), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = m.Push(context.Background(), "test", protocol.EventJoin, nil, "")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestManager_RoutesTopicFrames(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()

	m := startManager(t, testManagerConfig(ps.endpoint()))

	h := &recordingHandler{}
	if err := m.Register("test", h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	other := &recordingHandler{}
	if err := m.Register("other", other); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ps.broadcast(protocol.Message{
		Topic:   "realtime:test",
		Event:   protocol.EventBroadcast,
		Payload: json.RawMessage(`{"type":"broadcast","event":"ping","payload":{}}`),
	})

	waitFor(t, time.Second, func() bool {
		msgs, _, _ := h.snapshot()
		return len(msgs) == 1
	})

	msgs, _, _ := h.snapshot()
	if msgs[0].Event != protocol.EventBroadcast {
		t.Errorf("Event = %s, want broadcast", msgs[0].Event)
	}
	if otherMsgs, _, _ := other.snapshot(); len(otherMsgs) != 0 {
		t.Errorf("other topic got %d frames, want 0", len(otherMsgs))
	}
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m, err := NewManager(testManagerConfig("http://localhost/realtime/v1"), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if err := m.Register("test", &recordingHandler{}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := m.Register("realtime:test", &recordingHandler{}); !errors.Is(err, ErrTopicRegistered) {
		t.Errorf("err = %v, want ErrTopicRegistered", err)
	}
	if err := m.Register("", &recordingHandler{}); !errors.Is(err, protocol.ErrEmptyTopic) {
		t.Errorf("err = %v, want ErrEmptyTopic", err)
	}

	m.Unregister("test")
	if err := m.Register("test", &recordingHandler{}); err != nil {
		t.Errorf("Register after Unregister failed: %v", err)
	}

	if got := m.Stats().Topics; len(got) != 1 || got[0] != "test" {
		t.Errorf("Topics = %v, want [test]", got)
	}
}

func TestManager_SetAccessToken(t *testing.T) {
	m, err := NewManager(testManagerConfig("http://localhost/realtime/v1"), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h := &recordingHandler{}
	m.Register("test", h)

	if err := m.SetAccessToken(""); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("err = %v, want ErrEmptyToken", err)
	}
	if err := m.SetAccessToken("jwt-1"); err != nil {
		t.Fatalf("SetAccessToken failed: %v", err)
	}

	if m.AccessToken() != "jwt-1" {
		t.Errorf("AccessToken = %q, want jwt-1", m.AccessToken())
	}
	_, tokens, _ := h.snapshot()
	if len(tokens) != 1 || tokens[0] != "jwt-1" {
		t.Errorf("handler tokens = %v, want [jwt-1]", tokens)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()

	cfg := testManagerConfig(ps.endpoint())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := startManager(t, cfg)

	waitFor(t, time.Second, func() bool {
		return len(ps.received(protocol.EventHeartbeat)) >= 3
	})

	hb := ps.received(protocol.EventHeartbeat)[0]
	if hb.Topic != protocol.PhoenixTopic {
		t.Errorf("Topic = %s, want phoenix", hb.Topic)
	}
	if m.Stats().LastHeartbeat.IsZero() {
		t.Error("LastHeartbeat should be set")
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
}

func TestManager_ReconnectsAfterMissedHeartbeat(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()
	ps.silent[protocol.EventHeartbeat] = true

	cfg := testManagerConfig(ps.endpoint())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := startManager(t, cfg)

	h := &recordingHandler{}
	m.Register("test", h)

	waitFor(t, 2*time.Second, func() bool {
		return m.Stats().Reconnects >= 1
	})

	waitFor(t, time.Second, func() bool {
		_, _, reconnects := h.snapshot()
		return reconnects >= 1
	})
}

func TestManager_ReconnectsAfterServerDrop(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()

	m := startManager(t, testManagerConfig(ps.endpoint()))

	h := &recordingHandler{}
	m.Register("test", h)

	ps.dropAll()

	waitFor(t, 2*time.Second, func() bool {
		_, _, reconnects := h.snapshot()
		return reconnects == 1
	})
	waitFor(t, time.Second, func() bool {
		return m.State() == StateConnected
	})

	if _, err := m.Push(context.Background(), "test", protocol.EventJoin, nil, ""); err != nil {
		t.Errorf("Push after reconnect failed: %v", err)
	}
}

func TestManager_StartRetriesInBackground(t *testing.T) {
	cfg := testManagerConfig("http://127.0.0.1:1/realtime/v1")
	m := startManager(t, cfg)

	if s := m.State(); s == StateConnected {
		t.Errorf("State = %v, want not connected", s)
	}
}

func TestManager_StopFailsPending(t *testing.T) {
	ps := newPhoenixServer(t)
	defer ps.Close()
	ps.silent[protocol.EventJoin] = true

	cfg := testManagerConfig(ps.endpoint())
	cfg.PushTimeout = 5 * time.Second
	m := startManager(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Push(context.Background(), "test", protocol.EventJoin, nil, "")
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		return m.Stats().PendingPushes == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAlreadyClosed) {
			t.Errorf("err = %v, want ErrAlreadyClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not return after Stop")
	}

	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyClosed", err)
	}
}

func TestManager_NextRefUnique(t *testing.T) {
	m, _ := NewManager(testManagerConfig("http://localhost/realtime/v1"), nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref := m.NextRef()
		if seen[ref] {
			t.Fatalf("duplicate ref %s", ref)
		}
		seen[ref] = true
	}
}
