package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// BatchSender is the part of *pgxpool.Pool the postgres sink uses.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink appends changes to a changelog table.
type PostgresSink struct {
	db     BatchSender
	insert string
	logger *slog.Logger

	closeFn func()
}

// NewPostgres creates a sink writing to table. closeFn, when set, runs on
// Close (typically pool.Close).
func NewPostgres(db BatchSender, table string, closeFn func(), logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{
		db:      db,
		insert:  insertSQL(table),
		logger:  logger.With("sink", "postgres"),
		closeFn: closeFn,
	}
}

func insertSQL(table string) string {
	return `INSERT INTO ` + pgx.Identifier{table}.Sanitize() + ` (id, topic, schema_name, table_name, change_type, commit_timestamp, record, old_record, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
}

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Write inserts changes using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresSink) Write(ctx context.Context, changes []Change) error {
	batch := &pgx.Batch{}
	for _, c := range changes {
		var commitTs any
		if !c.CommitTimestamp.IsZero() {
			commitTs = c.CommitTimestamp
		}
		batch.Queue(s.insert,
			c.ID, c.Topic, c.Schema, c.Table, c.Type, commitTs,
			nullJSON(c.Record), nullJSON(c.OldRecord), c.ReceivedAt,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range changes {
		ct, err := results.Exec()
		if err != nil {
			return fmt.Errorf("insert change: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	if conflicts > 0 {
		s.logger.Debug("duplicate changes skipped", "conflicts", conflicts)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// nullJSON maps an empty record to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
