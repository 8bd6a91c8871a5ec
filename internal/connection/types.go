package connection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat reply)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrDisconnected    = errors.New("connection lost before reply")
	ErrEmptyToken      = errors.New("access token is empty")
	ErrTopicRegistered = errors.New("topic already registered")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// State is the lifecycle state of the socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TopicHandler receives everything the manager learns about one topic.
// Handlers are called from the manager's read loop and must not block.
type TopicHandler interface {
	// HandleMessage receives every non-reply frame addressed to the topic.
	HandleMessage(msg protocol.Message, receivedAt time.Time)

	// HandleReconnect is called after the socket was re-established.
	HandleReconnect()

	// HandleAccessToken is called when the access token changes.
	HandleAccessToken(token string)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full socket URL including apikey and vsn query
	PingInterval     time.Duration // Interval between WebSocket pings
	PingTimeout      time.Duration // Max time without any inbound traffic before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake timeout
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Endpoint          string        // Realtime endpoint, e.g. http://127.0.0.1:54321/realtime/v1
	APIKey            string        // Anonymous API key sent as the apikey query parameter
	HeartbeatInterval time.Duration // Interval between phoenix heartbeats
	PushTimeout       time.Duration // Timeout waiting for a phx_reply
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	Client            ClientConfig  // Transport settings (URL is filled in by the manager)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval: 30 * time.Second,
		PushTimeout:       10 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		Client:            DefaultClientConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         State
	Topics        []string
	PendingPushes int
	Reconnects    int64
	LastHeartbeat time.Time
}

// SocketURL converts a realtime endpoint into its websocket URL.
//
//	http://127.0.0.1:54321/realtime/v1 → ws://127.0.0.1:54321/realtime/v1/websocket?apikey=KEY&vsn=1.0.0
func SocketURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocol.Version)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
