package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/realtime-bridge/internal/connection"
	"github.com/rickgao/realtime-bridge/internal/protocol"
)

type pushed struct {
	topic   string
	event   string
	payload any
	joinRef string
	ref     string
}

// fakeSocket answers pushes with reply and records every frame.
type fakeSocket struct {
	mu       sync.Mutex
	frames   []pushed
	handlers map[string]connection.TopicHandler
	token    string
	ref      int
	reply    func(event string, payload any) (protocol.Reply, error)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		handlers: make(map[string]connection.TopicHandler),
		reply: func(string, any) (protocol.Reply, error) {
			return protocol.Reply{Status: protocol.StatusOK, Response: json.RawMessage(`{}`)}, nil
		},
	}
}

func (s *fakeSocket) Push(ctx context.Context, topic, event string, payload any, joinRef string) (protocol.Reply, error) {
	ref := s.NextRef()
	s.mu.Lock()
	s.frames = append(s.frames, pushed{topic, event, payload, joinRef, ref})
	reply := s.reply
	s.mu.Unlock()
	return reply(event, payload)
}

func (s *fakeSocket) Send(topic, event string, payload any, joinRef string) (string, error) {
	ref := s.NextRef()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, pushed{topic, event, payload, joinRef, ref})
	return ref, nil
}

func (s *fakeSocket) NextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.Itoa(s.ref)
}

func (s *fakeSocket) Register(topic string, h connection.TopicHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[topic]; ok {
		return connection.ErrTopicRegistered
	}
	s.handlers[topic] = h
	return nil
}

func (s *fakeSocket) Unregister(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, topic)
}

func (s *fakeSocket) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSocket) sent(event string) []pushed {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pushed
	for _, f := range s.frames {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) setReply(fn func(event string, payload any) (protocol.Reply, error)) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

func joinReply(ids ...int64) func(string, any) (protocol.Reply, error) {
	return func(event string, payload any) (protocol.Reply, error) {
		if event != protocol.EventJoin {
			return protocol.Reply{Status: protocol.StatusOK, Response: json.RawMessage(`{}`)}, nil
		}
		jp := payload.(protocol.JoinPayload)
		var resp protocol.JoinResponse
		for i, pc := range jp.Config.PostgresChanges {
			pc.ID = ids[i]
			resp.PostgresChanges = append(resp.PostgresChanges, pc)
		}
		data, _ := json.Marshal(resp)
		return protocol.Reply{Status: protocol.StatusOK, Response: data}, nil
	}
}

func frame(event, payload string) protocol.Message {
	return protocol.Message{Topic: "realtime:test", Event: event, Payload: json.RawMessage(payload)}
}

func todosChange(ids, typ string) protocol.Message {
	return frame(protocol.EventPostgresChanges, `{"ids":`+ids+`,"data":{"schema":"public","table":"todos","type":"`+typ+`","commit_timestamp":"2024-05-01T10:00:00Z","columns":[],"record":{"id":1},"errors":null}}`)
}

func TestNew_RequiresTopic(t *testing.T) {
	_, err := New(newFakeSocket(), NewBuilder(), nil)
	if !errors.Is(err, ErrNoTopic) {
		t.Errorf("err = %v, want ErrNoTopic", err)
	}
}

func TestNew_DuplicateTopic(t *testing.T) {
	sock := newFakeSocket()
	if _, err := New(sock, NewBuilder().Topic("test"), nil); err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	if _, err := New(sock, NewBuilder().Topic("test"), nil); !errors.Is(err, connection.ErrTopicRegistered) {
		t.Errorf("err = %v, want ErrTopicRegistered", err)
	}
}

func TestSubscribe_SendsJoinConfig(t *testing.T) {
	sock := newFakeSocket()
	sock.token = "user-jwt"
	sock.setReply(joinReply(11))

	b := NewBuilder().
		Topic("test").
		Broadcast(true, false).
		Presence("me").
		OnPostgresChange(protocol.PostgresAll, protocol.TableFilter("public", "todos"), func(protocol.PostgresChangesPayload) {})

	ch, err := New(sock, b, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ch.State() != StateClosed {
		t.Errorf("initial State = %v, want closed", ch.State())
	}

	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if ch.State() != StateJoined {
		t.Errorf("State = %v, want joined", ch.State())
	}

	joins := sock.sent(protocol.EventJoin)
	if len(joins) != 1 {
		t.Fatalf("joins = %d, want 1", len(joins))
	}
	jp := joins[0].payload.(protocol.JoinPayload)
	if jp.AccessToken != "user-jwt" {
		t.Errorf("AccessToken = %q, want user-jwt", jp.AccessToken)
	}
	if !jp.Config.Broadcast.Ack || jp.Config.Presence.Key != "me" {
		t.Errorf("Config = %+v", jp.Config)
	}
	if len(jp.Config.PostgresChanges) != 1 || jp.Config.PostgresChanges[0].Table != "todos" {
		t.Errorf("PostgresChanges = %+v", jp.Config.PostgresChanges)
	}
	if joins[0].joinRef == "" || joins[0].joinRef == joins[0].ref {
		t.Errorf("joinRef = %q, ref = %q", joins[0].joinRef, joins[0].ref)
	}

	// Second subscribe is a no-op
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Errorf("second Subscribe failed: %v", err)
	}
	if n := len(sock.sent(protocol.EventJoin)); n != 1 {
		t.Errorf("joins = %d after second Subscribe, want 1", n)
	}
}

func TestSubscribe_Rejected(t *testing.T) {
	sock := newFakeSocket()
	sock.setReply(func(string, any) (protocol.Reply, error) {
		return protocol.Reply{Status: protocol.StatusError, Response: json.RawMessage(`{"reason":"Unauthorized"}`)}, nil
	})

	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	err := ch.Subscribe(context.Background())
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("err = %v, want ErrJoinRejected", err)
	}
	if ch.State() != StateErrored {
		t.Errorf("State = %v, want errored", ch.State())
	}
	ch.Unsubscribe(context.Background())
}

func TestSubscribe_BindingMismatch(t *testing.T) {
	sock := newFakeSocket()
	sock.setReply(func(event string, payload any) (protocol.Reply, error) {
		return protocol.Reply{
			Status:   protocol.StatusOK,
			Response: json.RawMessage(`{"postgres_changes":[{"id":1,"event":"*","schema":"public","table":"users"}]}`),
		}, nil
	})

	b := NewBuilder().Topic("test").
		OnPostgresChange(protocol.PostgresAll, protocol.TableFilter("public", "todos"), func(protocol.PostgresChangesPayload) {})
	ch, _ := New(sock, b, nil)

	if err := ch.Subscribe(context.Background()); !errors.Is(err, ErrBindingMismatch) {
		t.Errorf("err = %v, want ErrBindingMismatch", err)
	}
	ch.Unsubscribe(context.Background())
}

func TestSubscribe_DisconnectedRejoinsOnReconnect(t *testing.T) {
	sock := newFakeSocket()
	sock.setReply(func(string, any) (protocol.Reply, error) {
		return protocol.Reply{}, connection.ErrNotConnected
	})

	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	if err := ch.Subscribe(context.Background()); !errors.Is(err, connection.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	sock.setReply(joinReply())
	ch.HandleReconnect()

	deadline := time.Now().Add(time.Second)
	for ch.State() != StateJoined && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.State() != StateJoined {
		t.Errorf("State = %v after reconnect, want joined", ch.State())
	}
}

func TestHandleReconnect_NotWanted(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)

	ch.HandleReconnect()
	time.Sleep(20 * time.Millisecond)

	if n := len(sock.sent(protocol.EventJoin)); n != 0 {
		t.Errorf("joins = %d, want 0", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	ch.Subscribe(context.Background())

	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if ch.State() != StateClosed {
		t.Errorf("State = %v, want closed", ch.State())
	}

	leaves := sock.sent(protocol.EventLeave)
	if len(leaves) != 1 || leaves[0].topic != "test" {
		t.Errorf("leaves = %+v", leaves)
	}

	// Already closed
	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Errorf("second Unsubscribe failed: %v", err)
	}
	if n := len(sock.sent(protocol.EventLeave)); n != 1 {
		t.Errorf("leaves = %d, want 1", n)
	}
}

func TestClose_Unregisters(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	ch.Subscribe(context.Background())
	ch.Close(context.Background())

	if _, err := New(sock, NewBuilder().Topic("test"), nil); err != nil {
		t.Errorf("New after Close failed: %v", err)
	}
}

func TestPostgresChanges_DispatchByID(t *testing.T) {
	sock := newFakeSocket()
	sock.setReply(joinReply(100, 200))

	var inserts, all []string
	b := NewBuilder().Topic("test").
		OnPostgresChange(protocol.PostgresInsert, protocol.TableFilter("public", "todos"), func(p protocol.PostgresChangesPayload) {
			inserts = append(inserts, p.Data.Type)
		}).
		OnPostgresChange(protocol.PostgresAll, protocol.TableFilter("public", "todos"), func(p protocol.PostgresChangesPayload) {
			all = append(all, p.Data.Type)
		})

	ch, _ := New(sock, b, nil)
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ch.HandleMessage(todosChange(`[100,200]`, "INSERT"), time.Now())
	ch.HandleMessage(todosChange(`[200]`, "UPDATE"), time.Now())
	ch.HandleMessage(todosChange(`[999]`, "DELETE"), time.Now())

	if len(inserts) != 1 || inserts[0] != "INSERT" {
		t.Errorf("inserts = %v, want [INSERT]", inserts)
	}
	if len(all) != 2 || all[1] != "UPDATE" {
		t.Errorf("all = %v, want [INSERT UPDATE]", all)
	}
}

func TestPostgresChanges_FallbackWithoutIDs(t *testing.T) {
	sock := newFakeSocket()

	var got []string
	b := NewBuilder().Topic("test").
		OnPostgresChange(protocol.PostgresDelete, protocol.PostgresChangeFilter{Schema: "public"}, func(p protocol.PostgresChangesPayload) {
			got = append(got, p.Data.Table+":"+p.Data.Type)
		})
	ch, _ := New(sock, b, nil)

	ch.HandleMessage(todosChange(`[]`, "INSERT"), time.Now())
	ch.HandleMessage(todosChange(`[]`, "DELETE"), time.Now())

	if len(got) != 1 || got[0] != "todos:DELETE" {
		t.Errorf("got = %v, want [todos:DELETE]", got)
	}
}

func TestBroadcast_Receive(t *testing.T) {
	sock := newFakeSocket()

	var named, wildcard []string
	b := NewBuilder().Topic("test").
		OnBroadcast("cursor", func(event string, payload json.RawMessage) {
			named = append(named, string(payload))
		}).
		OnBroadcast("*", func(event string, payload json.RawMessage) {
			wildcard = append(wildcard, event)
		})
	ch, _ := New(sock, b, nil)

	ch.HandleMessage(frame(protocol.EventBroadcast, `{"type":"broadcast","event":"cursor","payload":{"x":1}}`), time.Now())
	ch.HandleMessage(frame(protocol.EventBroadcast, `{"type":"broadcast","event":"chat","payload":{}}`), time.Now())

	if len(named) != 1 || named[0] != `{"x":1}` {
		t.Errorf("named = %v", named)
	}
	if len(wildcard) != 2 {
		t.Errorf("wildcard = %v, want 2 events", wildcard)
	}
}

func TestSendBroadcast(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)

	if err := ch.SendBroadcast(context.Background(), "chat", map[string]string{"m": "hi"}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("err = %v, want ErrNotJoined", err)
	}

	ch.Subscribe(context.Background())
	if err := ch.SendBroadcast(context.Background(), "chat", map[string]string{"m": "hi"}); err != nil {
		t.Fatalf("SendBroadcast failed: %v", err)
	}

	sent := sock.sent(protocol.EventBroadcast)
	if len(sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(sent))
	}
	bp := sent[0].payload.(protocol.BroadcastPayload)
	if bp.Event != "chat" || string(bp.Payload) != `{"m":"hi"}` {
		t.Errorf("payload = %+v", bp)
	}
}

func TestSendBroadcast_AckRejected(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test").Broadcast(true, false), nil)
	ch.Subscribe(context.Background())

	sock.setReply(func(string, any) (protocol.Reply, error) {
		return protocol.Reply{Status: protocol.StatusError, Response: json.RawMessage(`{"reason":"rate limited"}`)}, nil
	})

	if err := ch.SendBroadcast(context.Background(), "chat", nil); !errors.Is(err, ErrPushRejected) {
		t.Errorf("err = %v, want ErrPushRejected", err)
	}
}

func TestTrackUntrack(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test").Presence("user-1"), nil)
	ch.Subscribe(context.Background())

	if err := ch.Track(context.Background(), map[string]string{"status": "online"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := ch.Untrack(context.Background()); err != nil {
		t.Fatalf("Untrack failed: %v", err)
	}

	sent := sock.sent(protocol.EventPresence)
	if len(sent) != 2 {
		t.Fatalf("presence pushes = %d, want 2", len(sent))
	}
	if p := sent[0].payload.(protocol.PresencePayload); p.Event != "track" || string(p.Payload) != `{"status":"online"}` {
		t.Errorf("track payload = %+v", p)
	}
	if p := sent[1].payload.(protocol.PresencePayload); p.Event != "untrack" {
		t.Errorf("untrack payload = %+v", p)
	}
}

func TestHandleAccessToken(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)

	// Not joined: nothing sent
	ch.HandleAccessToken("early")
	if n := len(sock.sent(protocol.EventAccessToken)); n != 0 {
		t.Errorf("access_token frames = %d before join, want 0", n)
	}

	ch.Subscribe(context.Background())
	ch.HandleAccessToken("fresh")

	sent := sock.sent(protocol.EventAccessToken)
	if len(sent) != 1 {
		t.Fatalf("access_token frames = %d, want 1", len(sent))
	}
	if p := sent[0].payload.(protocol.AccessTokenPayload); p.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want fresh", p.AccessToken)
	}
}

func TestSubscribe_TokenChangedDuringJoin(t *testing.T) {
	sock := newFakeSocket()
	sock.token = "old"
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)

	sock.setReply(func(event string, payload any) (protocol.Reply, error) {
		if event == protocol.EventJoin {
			// Refresh lands while the channel is still joining
			sock.mu.Lock()
			sock.token = "new"
			sock.mu.Unlock()
			ch.HandleAccessToken("new")
		}
		return protocol.Reply{Status: protocol.StatusOK, Response: json.RawMessage(`{}`)}, nil
	})

	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	joins := sock.sent(protocol.EventJoin)
	if len(joins) != 1 || joins[0].payload.(protocol.JoinPayload).AccessToken != "old" {
		t.Fatalf("join frames = %+v, want one carrying the old token", joins)
	}
	sent := sock.sent(protocol.EventAccessToken)
	if len(sent) != 1 {
		t.Fatalf("access_token frames = %d, want 1", len(sent))
	}
	if p := sent[0].payload.(protocol.AccessTokenPayload); p.AccessToken != "new" {
		t.Errorf("AccessToken = %q, want new", p.AccessToken)
	}
}

func TestPhxError_MarksErrored(t *testing.T) {
	old := RejoinDelay
	RejoinDelay = time.Hour
	defer func() { RejoinDelay = old }()

	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	ch.Subscribe(context.Background())

	staleErr := frame(protocol.EventError, `{}`)
	staleErr.JoinRef = "nope"
	ch.HandleMessage(staleErr, time.Now())
	if ch.State() != StateJoined {
		t.Errorf("State = %v after stale phx_error, want joined", ch.State())
	}

	ch.HandleMessage(frame(protocol.EventError, `{}`), time.Now())
	if ch.State() != StateErrored {
		t.Errorf("State = %v, want errored", ch.State())
	}

	ch.Unsubscribe(context.Background())
}

func TestPhxClose(t *testing.T) {
	sock := newFakeSocket()
	ch, _ := New(sock, NewBuilder().Topic("test"), nil)
	ch.Subscribe(context.Background())

	ch.HandleMessage(frame(protocol.EventClose, `{}`), time.Now())
	if ch.State() != StateClosed {
		t.Errorf("State = %v, want closed", ch.State())
	}
}

func TestSystemMessage(t *testing.T) {
	var got protocol.SystemPayload
	ch, _ := New(newFakeSocket(), NewBuilder().Topic("test").OnSystem(func(m protocol.SystemPayload) {
		got = m
	}), nil)

	ch.HandleMessage(frame(protocol.EventSystem, `{"channel":"test","extension":"postgres_changes","message":"Subscribed to PostgreSQL","status":"ok"}`), time.Now())

	if got.Extension != "postgres_changes" || got.Status != "ok" {
		t.Errorf("system = %+v", got)
	}
}

func TestState_String(t *testing.T) {
	if StateJoined.String() != "joined" {
		t.Errorf("StateJoined = %s", StateJoined)
	}
	if State(9).String() != "state(9)" {
		t.Errorf("State(9) = %s", State(9))
	}
}
