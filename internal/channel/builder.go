package channel

import (
	"encoding/json"
	"errors"

	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// Errors
var (
	ErrNoTopic         = errors.New("channel topic is required")
	ErrNotJoined       = errors.New("channel not joined")
	ErrJoinRejected    = errors.New("join rejected")
	ErrBindingMismatch = errors.New("server postgres_changes bindings do not match request")
	ErrPushRejected    = errors.New("push rejected")
)

// PostgresChangeHandler receives one row change.
type PostgresChangeHandler func(payload protocol.PostgresChangesPayload)

// BroadcastHandler receives the inner payload of a broadcast.
type BroadcastHandler func(event string, payload json.RawMessage)

// PresenceSyncHandler receives the full presence state after every change.
type PresenceSyncHandler func(state protocol.PresenceState)

// PresenceHandler receives the sessions that joined or left under key,
// along with the sessions currently tracked under that key.
type PresenceHandler func(key string, current, changed []protocol.PresenceMeta)

// SystemHandler receives system messages such as extension status.
type SystemHandler func(msg protocol.SystemPayload)

type postgresBinding struct {
	event   protocol.PostgresChangesEvent
	filter  protocol.PostgresChangeFilter
	handler PostgresChangeHandler
	id      int64 // assigned by the server on join
}

func (b *postgresBinding) config() protocol.PostgresChangesConfig {
	cfg := protocol.PostgresChangesConfig{
		Event:  b.event,
		Schema: b.filter.Schema,
	}
	if b.filter.Table != nil {
		cfg.Table = *b.filter.Table
	}
	if b.filter.Filter != nil {
		cfg.Filter = *b.filter.Filter
	}
	return cfg
}

// sameAs reports whether a server echoed binding describes b.
func (b *postgresBinding) sameAs(s protocol.PostgresChangesConfig) bool {
	want := b.config()
	if s.Event != "" && !sameEvent(want.Event, s.Event) {
		return false
	}
	return want.Schema == s.Schema && want.Table == s.Table && want.Filter == s.Filter
}

func sameEvent(a, b protocol.PostgresChangesEvent) bool {
	pa, errA := protocol.ParsePostgresChangesEvent(string(a))
	pb, errB := protocol.ParsePostgresChangesEvent(string(b))
	return errA == nil && errB == nil && pa == pb
}

type broadcastBinding struct {
	event   string // "*" receives every event
	handler BroadcastHandler
}

// Builder declares a channel before it is created. Methods return the
// builder for chaining.
type Builder struct {
	topic     string
	broadcast protocol.BroadcastConfig
	presence  protocol.PresenceConfig
	private   bool

	postgres      []*postgresBinding
	broadcasts    []broadcastBinding
	presenceSync  []PresenceSyncHandler
	presenceJoin  []PresenceHandler
	presenceLeave []PresenceHandler
	system        []SystemHandler
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Topic sets the channel topic, without the realtime: prefix.
func (b *Builder) Topic(name string) *Builder {
	b.topic = protocol.BareTopic(name)
	return b
}

// TopicName returns the configured topic.
func (b *Builder) TopicName() string {
	return b.topic
}

// Broadcast configures acknowledgement and self delivery of broadcasts.
func (b *Builder) Broadcast(ack, self bool) *Builder {
	b.broadcast = protocol.BroadcastConfig{Ack: ack, Self: self}
	return b
}

// Presence sets the key this client is tracked under.
func (b *Builder) Presence(key string) *Builder {
	b.presence = protocol.PresenceConfig{Key: key}
	return b
}

// Private marks the channel as requiring RLS authorization.
func (b *Builder) Private(private bool) *Builder {
	b.private = private
	return b
}

// OnPostgresChange binds handler to row changes of kind event matching filter.
func (b *Builder) OnPostgresChange(event protocol.PostgresChangesEvent, filter protocol.PostgresChangeFilter, handler PostgresChangeHandler) *Builder {
	if event == "" {
		event = protocol.PostgresAll
	}
	b.postgres = append(b.postgres, &postgresBinding{
		event:   event,
		filter:  filter,
		handler: handler,
	})
	return b
}

// OnBroadcast binds handler to broadcasts named event ("*" for all).
func (b *Builder) OnBroadcast(event string, handler BroadcastHandler) *Builder {
	b.broadcasts = append(b.broadcasts, broadcastBinding{event: event, handler: handler})
	return b
}

// OnPresenceSync is called with the merged state after every presence update.
func (b *Builder) OnPresenceSync(handler PresenceSyncHandler) *Builder {
	b.presenceSync = append(b.presenceSync, handler)
	return b
}

// OnPresenceJoin is called for every key that gained sessions.
func (b *Builder) OnPresenceJoin(handler PresenceHandler) *Builder {
	b.presenceJoin = append(b.presenceJoin, handler)
	return b
}

// OnPresenceLeave is called for every key that lost sessions.
func (b *Builder) OnPresenceLeave(handler PresenceHandler) *Builder {
	b.presenceLeave = append(b.presenceLeave, handler)
	return b
}

// OnSystem binds handler to system messages.
func (b *Builder) OnSystem(handler SystemHandler) *Builder {
	b.system = append(b.system, handler)
	return b
}

// joinConfig renders the config object of the join payload.
func (b *Builder) joinConfig() protocol.JoinConfig {
	changes := make([]protocol.PostgresChangesConfig, 0, len(b.postgres))
	for _, p := range b.postgres {
		changes = append(changes, p.config())
	}
	return protocol.JoinConfig{
		Broadcast:       b.broadcast,
		Presence:        b.presence,
		PostgresChanges: changes,
		Private:         b.private,
	}
}
