package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/realtime-bridge/internal/metrics"
	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// Manager owns the realtime socket and multiplexes topics over it.
type Manager interface {
	// Start dials the socket and starts heartbeats. A failed first dial is
	// retried in the background; Start only fails once the manager is stopped.
	// Cancelling ctx does not close the socket; Stop does.
	Start(ctx context.Context) error

	// Stop closes the socket and waits for background goroutines.
	Stop(ctx context.Context) error

	// Push sends a frame and waits for its phx_reply.
	Push(ctx context.Context, topic, event string, payload any, joinRef string) (protocol.Reply, error)

	// Send writes a frame without waiting for a reply and returns its ref.
	Send(topic, event string, payload any, joinRef string) (string, error)

	// NextRef issues a fresh message ref.
	NextRef() string

	// Register routes frames for topic to h.
	Register(topic string, h TopicHandler) error

	// Unregister stops routing frames for topic.
	Unregister(topic string)

	// SetAccessToken stores the token and forwards it to every topic.
	SetAccessToken(token string) error

	// AccessToken returns the current access token ("" if none).
	AccessToken() string

	// State returns the current socket state.
	State() State

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

type pushResult struct {
	reply protocol.Reply
	err   error
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	url       string
	logger    *slog.Logger
	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	client Client
	state  State
	topics map[string]TopicHandler // wire topic → handler
	token  string

	// Push/reply correlation
	pendingMu sync.Mutex
	pending   map[string]chan pushResult

	refs       atomic.Uint64
	reconnects atomic.Int64

	// Heartbeat tracking
	hbMu          sync.Mutex
	heartbeatRef  string
	lastHeartbeat time.Time
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	url, err := SocketURL(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	defaults := DefaultManagerConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaults.PushTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = defaults.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}

	return &manager{
		cfg:       cfg,
		url:       url,
		logger:    logger,
		newClient: NewClient,
		state:     StateDisconnected,
		topics:    make(map[string]TopicHandler),
		pending:   make(map[string]chan pushResult),
	}, nil
}

// Start begins the connection manager.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	// Only Stop closes the socket
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.state = StateConnecting
	m.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateConnecting))

	if err := m.dial(); err != nil {
		if errors.Is(err, ErrAlreadyClosed) {
			return err
		}
		m.logger.Warn("initial connect failed, retrying in background", "error", err)
		m.setState(StateDisconnected)
		m.wg.Add(1)
		go m.reconnect()
	}

	m.wg.Add(1)
	go m.heartbeatLoop()

	m.logger.Info("connection manager started",
		"url", redactURL(m.url),
		"heartbeat_interval", m.cfg.HeartbeatInterval,
	)

	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	c := m.client
	m.client = nil
	cancel := m.cancel
	m.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateClosed))

	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.Close()
	}
	m.failPending(ErrAlreadyClosed)

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	return nil
}

// NextRef issues a fresh message ref.
func (m *manager) NextRef() string {
	return strconv.FormatUint(m.refs.Add(1), 10)
}

// Push sends a frame and waits for the matching phx_reply.
func (m *manager) Push(ctx context.Context, topic, event string, payload any, joinRef string) (protocol.Reply, error) {
	ref := m.NextRef()
	respCh := make(chan pushResult, 1)

	m.pendingMu.Lock()
	m.pending[ref] = respCh
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, ref)
		m.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := m.write(topic, event, payload, ref, joinRef); err != nil {
		return protocol.Reply{}, err
	}

	timer := time.NewTimer(m.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-timer.C:
		metrics.PushDuration.WithLabelValues(event, protocol.StatusTimeout).Observe(time.Since(start).Seconds())
		return protocol.Reply{}, ErrTimeout
	case res := <-respCh:
		if res.err != nil {
			return protocol.Reply{}, res.err
		}
		metrics.PushDuration.WithLabelValues(event, res.reply.Status).Observe(time.Since(start).Seconds())
		return res.reply, nil
	}
}

// Send writes a frame without waiting for a reply.
func (m *manager) Send(topic, event string, payload any, joinRef string) (string, error) {
	ref := m.NextRef()
	if err := m.write(topic, event, payload, ref, joinRef); err != nil {
		return "", err
	}
	return ref, nil
}

// Register routes frames for topic to h.
func (m *manager) Register(topic string, h TopicHandler) error {
	if topic == "" {
		return protocol.ErrEmptyTopic
	}
	wire := protocol.WireTopic(topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrAlreadyClosed
	}
	if _, exists := m.topics[wire]; exists {
		return fmt.Errorf("%w: %s", ErrTopicRegistered, topic)
	}
	m.topics[wire] = h
	return nil
}

// Unregister stops routing frames for topic.
func (m *manager) Unregister(topic string) {
	m.mu.Lock()
	delete(m.topics, protocol.WireTopic(topic))
	m.mu.Unlock()
}

// SetAccessToken stores the token and forwards it to every topic.
func (m *manager) SetAccessToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.token = token
	m.mu.Unlock()

	for _, h := range m.handlers() {
		h.HandleAccessToken(token)
	}

	m.logger.Debug("access token updated", "topics", len(m.handlers()))
	return nil
}

// AccessToken returns the current token.
func (m *manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// State returns the current socket state.
func (m *manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, protocol.BareTopic(t))
	}
	state := m.state
	m.mu.RUnlock()
	sort.Strings(topics)

	m.pendingMu.Lock()
	pending := len(m.pending)
	m.pendingMu.Unlock()

	m.hbMu.Lock()
	lastHeartbeat := m.lastHeartbeat
	m.hbMu.Unlock()

	return ManagerStats{
		State:         state,
		Topics:        topics,
		PendingPushes: pending,
		Reconnects:    m.reconnects.Load(),
		LastHeartbeat: lastHeartbeat,
	}
}

// dial opens a new client and makes it current.
func (m *manager) dial() error {
	cfg := m.cfg.Client
	cfg.URL = m.url

	c := m.newClient(cfg, m.logger)
	if err := c.Connect(m.ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		c.Close()
		return ErrAlreadyClosed
	}
	m.client = c
	m.state = StateConnected
	m.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateConnected))

	m.hbMu.Lock()
	m.heartbeatRef = ""
	m.hbMu.Unlock()

	m.wg.Add(1)
	go m.readLoop(c)

	return nil
}

// setState changes the state unless the manager is closed.
func (m *manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = s
		metrics.ConnectionState.Set(float64(s))
	}
	m.mu.Unlock()
}

// handlers returns a snapshot of registered handlers.
func (m *manager) handlers() []TopicHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TopicHandler, 0, len(m.topics))
	for _, h := range m.topics {
		out = append(out, h)
	}
	return out
}

// write encodes and sends a frame on the current client.
func (m *manager) write(topic, event string, payload any, ref, joinRef string) error {
	var body json.RawMessage
	switch p := payload.(type) {
	case nil:
		body = json.RawMessage(`{}`)
	case json.RawMessage:
		body = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		body = data
	}

	data, err := json.Marshal(protocol.Message{
		Topic:   protocol.WireTopic(topic),
		Event:   event,
		Payload: body,
		Ref:     ref,
		JoinRef: joinRef,
	})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(data); err != nil {
		return err
	}

	metrics.FramesSent.WithLabelValues(event).Inc()
	return nil
}

// readLoop reads frames from a client and routes them.
func (m *manager) readLoop(c Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-c.Done():
			return

		case err := <-c.Errors():
			m.handleDisconnect(c, err)
			return

		case msg := <-c.Messages():
			m.dispatch(msg)
		}
	}
}

// dispatch decodes a frame and routes it to a pending push or a topic.
func (m *manager) dispatch(raw TimestampedMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		m.logger.Warn("failed to decode frame", "error", err)
		return
	}

	metrics.FramesReceived.WithLabelValues(msg.Event).Inc()

	if msg.Event == protocol.EventReply {
		if m.completeHeartbeat(msg.Ref) {
			return
		}

		var reply protocol.Reply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			m.logger.Warn("failed to decode reply", "topic", msg.Topic, "ref", msg.Ref, "error", err)
			return
		}

		if !m.routeReply(msg.Ref, reply) {
			m.logger.Debug("reply without pending push", "topic", msg.Topic, "ref", msg.Ref)
		}
		return
	}

	if msg.Topic == protocol.PhoenixTopic {
		return
	}

	m.mu.RLock()
	h := m.topics[msg.Topic]
	m.mu.RUnlock()

	if h == nil {
		m.logger.Debug("frame for unregistered topic", "topic", msg.Topic, "event", msg.Event)
		return
	}

	h.HandleMessage(msg, raw.ReceivedAt)
}

// routeReply sends a reply to the waiting push.
func (m *manager) routeReply(ref string, reply protocol.Reply) bool {
	m.pendingMu.Lock()
	ch, ok := m.pending[ref]
	if ok {
		delete(m.pending, ref)
	}
	m.pendingMu.Unlock()

	if ok {
		select {
		case ch <- pushResult{reply: reply}:
		default:
		}
	}
	return ok
}

// failPending completes every waiting push with err.
func (m *manager) failPending(err error) {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan pushResult)
	m.pendingMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- pushResult{err: err}:
		default:
		}
	}
}

// completeHeartbeat clears the outstanding heartbeat if ref matches it.
func (m *manager) completeHeartbeat(ref string) bool {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	if ref == "" || ref != m.heartbeatRef {
		return false
	}
	m.heartbeatRef = ""
	m.lastHeartbeat = time.Now()
	return true
}

// heartbeatLoop sends a phoenix heartbeat every interval.
func (m *manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeat()
		}
	}
}

// sendHeartbeat sends one heartbeat, tearing the socket down if the
// previous one was never answered.
func (m *manager) sendHeartbeat() {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()

	if c == nil {
		return
	}

	m.hbMu.Lock()
	if outstanding := m.heartbeatRef; outstanding != "" {
		m.hbMu.Unlock()
		m.logger.Warn("heartbeat not acknowledged", "ref", outstanding)
		m.handleDisconnect(c, ErrStaleConnection)
		return
	}
	ref := m.NextRef()
	m.heartbeatRef = ref
	m.hbMu.Unlock()

	if err := m.write(protocol.PhoenixTopic, protocol.EventHeartbeat, nil, ref, ""); err != nil {
		m.logger.Debug("failed to send heartbeat", "error", err)
	}
}

// handleDisconnect drops a failed client and schedules reconnection.
// Only the current client can trigger a reconnect.
func (m *manager) handleDisconnect(c Client, err error) {
	m.mu.Lock()
	if m.client != c || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	metrics.ConnectionState.Set(float64(StateDisconnected))

	c.Close()
	m.logger.Warn("connection lost", "error", err)
	m.failPending(ErrDisconnected)

	m.wg.Add(1)
	go m.reconnect()
}

// reconnect attempts to reconnect with exponential backoff.
func (m *manager) reconnect() {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseWait
	maxWait := m.cfg.ReconnectMaxWait

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}

		m.setState(StateConnecting)
		m.logger.Info("attempting reconnection")

		if err := m.dial(); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				return
			}
			m.setState(StateDisconnected)
			m.logger.Warn("reconnection failed",
				"error", err,
				"retry_in", wait,
			)

			// Exponential backoff
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			continue
		}

		m.reconnects.Add(1)
		metrics.Reconnects.Inc()
		m.logger.Info("reconnected")

		for _, h := range m.handlers() {
			h.HandleReconnect()
		}
		return
	}
}
