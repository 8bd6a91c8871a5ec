package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/realtime-bridge/internal/connection"
	"github.com/rickgao/realtime-bridge/internal/metrics"
	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// RejoinDelay is the wait before retrying a join the server rejected or errored.
var RejoinDelay = 2 * time.Second

// State is the lifecycle state of a channel.
type State int

const (
	StateClosed State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Socket is the part of the connection manager a channel needs.
type Socket interface {
	Push(ctx context.Context, topic, event string, payload any, joinRef string) (protocol.Reply, error)
	Send(topic, event string, payload any, joinRef string) (string, error)
	NextRef() string
	Register(topic string, h connection.TopicHandler) error
	Unregister(topic string)
	AccessToken() string
}

// Channel is one joined topic on the socket.
type Channel struct {
	topic  string
	sock   Socket
	logger *slog.Logger
	b      *Builder

	mu         sync.Mutex
	state      State
	joinRef    string
	wantJoined bool
	presence   *presenceSet
	rejoin     *time.Timer
}

// New registers a channel described by b on sock. The channel starts Closed.
func New(sock Socket, b *Builder, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil || b.topic == "" {
		return nil, ErrNoTopic
	}

	c := &Channel{
		topic:    b.topic,
		sock:     sock,
		logger:   logger.With("topic", b.topic),
		b:        b,
		state:    StateClosed,
		presence: newPresenceSet(),
	}

	if err := sock.Register(b.topic, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Topic returns the bare topic name.
func (c *Channel) Topic() string {
	return c.topic
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PresenceState returns the merged presence state.
func (c *Channel) PresenceState() protocol.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.snapshot()
}

// Subscribe joins the channel. When the socket is down the channel stays
// wanted and is joined again after reconnect; the error is still returned.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateJoined {
		c.mu.Unlock()
		return nil
	}
	c.wantJoined = true
	c.mu.Unlock()

	return c.join(ctx)
}

// Unsubscribe leaves the channel.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.wantJoined = false
	c.stopRejoinLocked()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	joinRef := c.joinRef
	c.mu.Unlock()

	reply, err := c.sock.Push(ctx, c.topic, protocol.EventLeave, nil, joinRef)

	c.mu.Lock()
	c.state = StateClosed
	c.joinRef = ""
	c.mu.Unlock()

	switch {
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrDisconnected):
		return nil
	case err != nil:
		return fmt.Errorf("leave %s: %w", c.topic, err)
	case !reply.OK():
		return fmt.Errorf("leave %s: %w: %s", c.topic, ErrPushRejected, reply.ErrorReason())
	}

	c.logger.Info("channel left")
	return nil
}

// SendBroadcast publishes a broadcast to every subscriber of the topic.
// With ack enabled the call waits for the server to confirm.
func (c *Channel) SendBroadcast(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	msg := protocol.BroadcastPayload{
		Type:    protocol.EventBroadcast,
		Event:   event,
		Payload: data,
	}

	if c.b.broadcast.Ack {
		return c.push(ctx, protocol.EventBroadcast, msg)
	}

	joinRef, err := c.joinedRef()
	if err != nil {
		return err
	}
	_, err = c.sock.Send(c.topic, protocol.EventBroadcast, msg, joinRef)
	return err
}

// Track publishes this client's presence state.
func (c *Channel) Track(ctx context.Context, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return c.push(ctx, protocol.EventPresence, protocol.PresencePayload{
		Type:    protocol.EventPresence,
		Event:   "track",
		Payload: data,
	})
}

// Untrack removes this client's presence.
func (c *Channel) Untrack(ctx context.Context) error {
	return c.push(ctx, protocol.EventPresence, protocol.PresencePayload{
		Type:  protocol.EventPresence,
		Event: "untrack",
	})
}

// Close unsubscribes and unregisters the channel from the socket.
func (c *Channel) Close(ctx context.Context) error {
	err := c.Unsubscribe(ctx)
	c.sock.Unregister(c.topic)
	return err
}

func (c *Channel) joinedRef() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return "", ErrNotJoined
	}
	return c.joinRef, nil
}

func (c *Channel) push(ctx context.Context, event string, payload any) error {
	joinRef, err := c.joinedRef()
	if err != nil {
		return err
	}

	reply, err := c.sock.Push(ctx, c.topic, event, payload, joinRef)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", event, c.topic, err)
	}
	if !reply.OK() {
		return fmt.Errorf("%s on %s: %w: %s", event, c.topic, ErrPushRejected, reply.ErrorReason())
	}
	return nil
}

// join sends phx_join and applies the reply.
func (c *Channel) join(ctx context.Context) error {
	c.mu.Lock()
	c.stopRejoinLocked()
	joinRef := c.sock.NextRef()
	c.joinRef = joinRef
	c.state = StateJoining
	c.mu.Unlock()

	payload := protocol.JoinPayload{
		Config:      c.b.joinConfig(),
		AccessToken: c.sock.AccessToken(),
	}

	reply, err := c.sock.Push(ctx, c.topic, protocol.EventJoin, payload, joinRef)
	if err != nil {
		c.joinFailed(joinRef, err)
		return fmt.Errorf("join %s: %w", c.topic, err)
	}
	if !reply.OK() {
		err := fmt.Errorf("%w: %s", ErrJoinRejected, reply.ErrorReason())
		c.joinFailed(joinRef, err)
		return fmt.Errorf("join %s: %w", c.topic, err)
	}

	var resp protocol.JoinResponse
	if len(reply.Response) > 0 {
		if err := json.Unmarshal(reply.Response, &resp); err != nil {
			c.joinFailed(joinRef, err)
			return fmt.Errorf("join %s: decode response: %w", c.topic, err)
		}
	}

	if err := c.assignBindings(resp.PostgresChanges); err != nil {
		c.joinFailed(joinRef, err)
		return fmt.Errorf("join %s: %w", c.topic, err)
	}

	c.mu.Lock()
	if c.joinRef != joinRef || !c.wantJoined {
		c.mu.Unlock()
		return nil
	}
	c.state = StateJoined
	c.mu.Unlock()

	metrics.ChannelJoins.WithLabelValues(c.topic, protocol.StatusOK).Inc()
	c.logger.Info("channel joined", "postgres_bindings", len(resp.PostgresChanges))

	// A token set while the join was in flight was not pushed
	if token := c.sock.AccessToken(); token != "" && token != payload.AccessToken {
		c.HandleAccessToken(token)
	}
	return nil
}

// assignBindings records the server ids of postgres bindings. The server
// echoes bindings in request order.
func (c *Channel) assignBindings(server []protocol.PostgresChangesConfig) error {
	if len(c.b.postgres) == 0 {
		return nil
	}
	if len(server) != len(c.b.postgres) {
		return fmt.Errorf("%w: sent %d, got %d", ErrBindingMismatch, len(c.b.postgres), len(server))
	}

	ids := make([]int64, len(server))
	for i, binding := range c.b.postgres {
		if !binding.sameAs(server[i]) {
			return fmt.Errorf("%w: %s.%s", ErrBindingMismatch, server[i].Schema, server[i].Table)
		}
		ids[i] = server[i].ID
	}

	c.mu.Lock()
	for i, binding := range c.b.postgres {
		binding.id = ids[i]
	}
	c.mu.Unlock()
	return nil
}

// joinFailed marks the channel errored and schedules a retry unless the
// socket is down, in which case HandleReconnect rejoins.
func (c *Channel) joinFailed(joinRef string, err error) {
	metrics.ChannelJoins.WithLabelValues(c.topic, protocol.StatusError).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joinRef != joinRef {
		return
	}
	c.state = StateErrored
	c.logger.Warn("channel join failed", "error", err)

	if errors.Is(err, connection.ErrNotConnected) || errors.Is(err, connection.ErrDisconnected) ||
		errors.Is(err, connection.ErrAlreadyClosed) || errors.Is(err, context.Canceled) {
		return
	}
	c.scheduleRejoinLocked()
}

func (c *Channel) scheduleRejoinLocked() {
	if !c.wantJoined || c.rejoin != nil {
		return
	}
	c.rejoin = time.AfterFunc(RejoinDelay, func() {
		c.mu.Lock()
		c.rejoin = nil
		want := c.wantJoined && c.state != StateJoined
		c.mu.Unlock()

		if want {
			c.join(context.Background())
		}
	})
}

func (c *Channel) stopRejoinLocked() {
	if c.rejoin != nil {
		c.rejoin.Stop()
		c.rejoin = nil
	}
}

// HandleReconnect rejoins a wanted channel on the new socket.
func (c *Channel) HandleReconnect() {
	c.mu.Lock()
	want := c.wantJoined
	if want {
		c.state = StateJoining
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if want {
		go c.join(context.Background())
	}
}

// HandleAccessToken pushes a refreshed token to a joined channel.
func (c *Channel) HandleAccessToken(token string) {
	joinRef, err := c.joinedRef()
	if err != nil {
		return
	}

	if _, err := c.sock.Send(c.topic, protocol.EventAccessToken, protocol.AccessTokenPayload{AccessToken: token}, joinRef); err != nil {
		c.logger.Warn("failed to push access token", "error", err)
	}
}

// HandleMessage dispatches a frame addressed to this channel.
func (c *Channel) HandleMessage(msg protocol.Message, receivedAt time.Time) {
	switch msg.Event {
	case protocol.EventPostgresChanges:
		c.handlePostgresChanges(msg.Payload)

	case protocol.EventBroadcast:
		c.handleBroadcast(msg.Payload)

	case protocol.EventPresenceState:
		var state protocol.PresenceState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.logger.Warn("failed to decode presence_state", "error", err)
			return
		}
		c.mu.Lock()
		joins, leaves := c.presence.syncState(state)
		c.mu.Unlock()
		c.firePresence(joins, leaves)

	case protocol.EventPresenceDiff:
		var diff protocol.PresenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			c.logger.Warn("failed to decode presence_diff", "error", err)
			return
		}
		c.mu.Lock()
		joins, leaves := c.presence.syncDiff(diff)
		c.mu.Unlock()
		c.firePresence(joins, leaves)

	case protocol.EventSystem:
		var sys protocol.SystemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err != nil {
			c.logger.Warn("failed to decode system message", "error", err)
			return
		}
		for _, h := range c.b.system {
			h(sys)
		}

	case protocol.EventError:
		if c.stale(msg.JoinRef) {
			return
		}
		c.mu.Lock()
		if c.state == StateJoined || c.state == StateJoining {
			c.state = StateErrored
			c.logger.Warn("channel errored", "payload", string(msg.Payload))
			c.scheduleRejoinLocked()
		}
		c.mu.Unlock()

	case protocol.EventClose:
		if c.stale(msg.JoinRef) {
			return
		}
		c.mu.Lock()
		c.state = StateClosed
		c.stopRejoinLocked()
		c.mu.Unlock()
		c.logger.Info("channel closed by server")

	default:
		c.logger.Debug("unhandled channel event", "event", msg.Event)
	}
}

// stale reports whether a control frame belongs to an earlier join.
func (c *Channel) stale(joinRef string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return joinRef != "" && joinRef != c.joinRef
}

func (c *Channel) handlePostgresChanges(raw json.RawMessage) {
	var payload protocol.PostgresChangesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("failed to decode postgres_changes", "error", err)
		return
	}

	data := payload.Data
	metrics.ChangesReceived.WithLabelValues(data.Schema, data.Table, data.Type).Inc()

	for _, binding := range c.matchBindings(payload) {
		binding.handler(payload)
	}
}

// matchBindings selects bindings by server id, falling back to event kind,
// schema and table when the payload carries no ids.
func (c *Channel) matchBindings(payload protocol.PostgresChangesPayload) []*postgresBinding {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*postgresBinding
	if len(payload.IDs) > 0 {
		ids := make(map[int64]bool, len(payload.IDs))
		for _, id := range payload.IDs {
			ids[id] = true
		}
		for _, b := range c.b.postgres {
			if b.id != 0 && ids[b.id] {
				out = append(out, b)
			}
		}
		return out
	}

	data := payload.Data
	for _, b := range c.b.postgres {
		if b.event.Matches(data.Type) && b.filter.Matches(data.Schema, data.Table) {
			out = append(out, b)
		}
	}
	return out
}

func (c *Channel) handleBroadcast(raw json.RawMessage) {
	var msg protocol.BroadcastPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("failed to decode broadcast", "error", err)
		return
	}

	for _, b := range c.b.broadcasts {
		if b.event == "*" || b.event == msg.Event {
			b.handler(msg.Event, msg.Payload)
		}
	}
}

func (c *Channel) firePresence(joins, leaves []presenceChange) {
	for _, j := range joins {
		for _, h := range c.b.presenceJoin {
			h(j.key, j.current, j.changed)
		}
	}
	for _, l := range leaves {
		for _, h := range c.b.presenceLeave {
			h(l.key, l.current, l.changed)
		}
	}

	if len(c.b.presenceSync) == 0 {
		return
	}
	state := c.PresenceState()
	for _, h := range c.b.presenceSync {
		h(state)
	}
}
