package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrEmptyTopic   = errors.New("topic is required")
	ErrUnknownEvent = errors.New("unknown postgres changes event")
)

// Protocol constants.
const (
	Version      = "1.0.0"
	TopicPrefix  = "realtime:"
	PhoenixTopic = "phoenix"
)

// Control and data events.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventAccessToken     = "access_token"
	EventPostgresChanges = "postgres_changes"
	EventBroadcast       = "broadcast"
	EventPresence        = "presence"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventSystem          = "system"
)

// Reply statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Message is a single frame on the socket.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// WireTopic returns the topic as sent on the socket ("test" → "realtime:test").
func WireTopic(topic string) string {
	if strings.HasPrefix(topic, TopicPrefix) || topic == PhoenixTopic {
		return topic
	}
	return TopicPrefix + topic
}

// BareTopic strips the realtime: prefix.
func BareTopic(topic string) string {
	return strings.TrimPrefix(topic, TopicPrefix)
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK reports whether the server accepted the push.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// ErrorReason extracts a human readable reason from an error reply.
func (r Reply) ErrorReason() string {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &body) == nil {
		if body.Reason != "" {
			return body.Reason
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if len(r.Response) > 0 {
		return string(r.Response)
	}
	return r.Status
}

// PostgresChangesEvent selects which row changes a binding receives.
type PostgresChangesEvent string

const (
	PostgresAll    PostgresChangesEvent = "*"
	PostgresInsert PostgresChangesEvent = "INSERT"
	PostgresUpdate PostgresChangesEvent = "UPDATE"
	PostgresDelete PostgresChangesEvent = "DELETE"
)

// ParsePostgresChangesEvent accepts "*", "all", "insert", "update", "delete" in any case.
func ParsePostgresChangesEvent(s string) (PostgresChangesEvent, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "*", "ALL", "":
		return PostgresAll, nil
	case "INSERT":
		return PostgresInsert, nil
	case "UPDATE":
		return PostgresUpdate, nil
	case "DELETE":
		return PostgresDelete, nil
	}
	return "", ErrUnknownEvent
}

// Matches reports whether a change of kind t is selected by e.
func (e PostgresChangesEvent) Matches(t string) bool {
	return e == PostgresAll || strings.EqualFold(string(e), t)
}

// PostgresChangeFilter scopes a binding to a schema and optionally a table
// and a row filter expression (e.g. "id=eq.1").
type PostgresChangeFilter struct {
	Schema string  `json:"schema"`
	Table  *string `json:"table,omitempty"`
	Filter *string `json:"filter,omitempty"`
}

// TableFilter is a shorthand for a schema+table filter.
func TableFilter(schema, table string) PostgresChangeFilter {
	return PostgresChangeFilter{Schema: schema, Table: &table}
}

// Matches reports whether a change on schema.table falls under the filter.
// Row filters are evaluated by the server and are not checked here.
func (f PostgresChangeFilter) Matches(schema, table string) bool {
	if f.Schema != "*" && f.Schema != schema {
		return false
	}
	if f.Table != nil && *f.Table != "*" && *f.Table != table {
		return false
	}
	return true
}

// PostgresChangesConfig is one entry of the join config postgres_changes list.
type PostgresChangesConfig struct {
	ID     int64                `json:"id,omitempty"`
	Event  PostgresChangesEvent `json:"event"`
	Schema string               `json:"schema"`
	Table  string               `json:"table,omitempty"`
	Filter string               `json:"filter,omitempty"`
}

// BroadcastConfig controls broadcast acknowledgement and self delivery.
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig sets the key this client is tracked under.
type PresenceConfig struct {
	Key string `json:"key"`
}

// JoinConfig is the "config" object of a phx_join payload.
type JoinConfig struct {
	Broadcast       BroadcastConfig         `json:"broadcast"`
	Presence        PresenceConfig          `json:"presence"`
	PostgresChanges []PostgresChangesConfig `json:"postgres_changes"`
	Private         bool                    `json:"private"`
}

// JoinPayload is the payload of a phx_join frame.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinResponse is the response of an ok phx_reply to a join.
type JoinResponse struct {
	PostgresChanges []PostgresChangesConfig `json:"postgres_changes"`
}

// AccessTokenPayload is the payload of an access_token frame.
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

// Column describes one column of a changed row.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PostgresChangesData is the row change carried by a postgres_changes frame.
type PostgresChangesData struct {
	Schema          string                     `json:"schema"`
	Table           string                     `json:"table"`
	CommitTimestamp string                     `json:"commit_timestamp"`
	Type            string                     `json:"type"` // "INSERT", "UPDATE", "DELETE"
	Columns         []Column                   `json:"columns"`
	Record          map[string]json.RawMessage `json:"record,omitempty"`
	OldRecord       map[string]json.RawMessage `json:"old_record,omitempty"`
	Errors          json.RawMessage            `json:"errors,omitempty"`
}

// PostgresChangesPayload is the payload of a postgres_changes frame.
type PostgresChangesPayload struct {
	IDs  []int64             `json:"ids"`
	Data PostgresChangesData `json:"data"`
}

// CommitTime parses the commit timestamp; zero if absent or malformed.
func (p PostgresChangesPayload) CommitTime() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// BroadcastPayload is the payload of a broadcast frame, both directions.
type BroadcastPayload struct {
	Type    string          `json:"type"` // always "broadcast"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresencePayload is an outbound presence track/untrack payload.
type PresencePayload struct {
	Type    string          `json:"type"`  // always "presence"
	Event   string          `json:"event"` // "track" or "untrack"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceMeta is one tracked session under a presence key.
type PresenceMeta map[string]json.RawMessage

// PresenceEntry holds all sessions tracked under one key.
type PresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

// PresenceState maps presence keys to their sessions.
type PresenceState map[string]PresenceEntry

// PresenceDiff is the payload of a presence_diff frame.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

// SystemPayload is the payload of a system frame.
type SystemPayload struct {
	Channel   string `json:"channel"`
	Extension string `json:"extension"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}
