package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// Sink receives batches of changes.
type Sink interface {
	Name() string
	Write(ctx context.Context, changes []Change) error
	Close() error
}

// Change is one row change as delivered to sinks.
type Change struct {
	ID              uuid.UUID       `json:"id"`
	Topic           string          `json:"topic"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// FromPayload builds a Change received on topic now.
func FromPayload(topic string, p protocol.PostgresChangesPayload) Change {
	return Change{
		ID:              uuid.New(),
		Topic:           topic,
		Schema:          p.Data.Schema,
		Table:           p.Data.Table,
		Type:            p.Data.Type,
		CommitTimestamp: p.CommitTime(),
		Record:          encodeRecord(p.Data.Record),
		OldRecord:       encodeRecord(p.Data.OldRecord),
		ReceivedAt:      time.Now().UTC(),
	}
}

// String renders the change with its records as JSON text.
func (c Change) String() string {
	commitTs := ""
	if !c.CommitTimestamp.IsZero() {
		commitTs = c.CommitTimestamp.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("{ID:%s Topic:%s Schema:%s Table:%s Type:%s CommitTimestamp:%s Record:%s OldRecord:%s}",
		c.ID, c.Topic, c.Schema, c.Table, c.Type, commitTs, c.Record, c.OldRecord)
}

func encodeRecord(rec map[string]json.RawMessage) json.RawMessage {
	if len(rec) == 0 {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return data
}
