package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 5 * time.Second

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSSink publishes each change as JSON on <prefix>.<schema>.<table>.<type>.
type NATSSink struct {
	conn   Publisher
	prefix string
}

// NewNATS creates a sink on conn.
func NewNATS(conn Publisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

// DialNATS connects to url with infinite reconnects.
func DialNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Subject returns the subject a change is published on.
func (s *NATSSink) Subject(c Change) string {
	return strings.Join([]string{
		s.prefix,
		subjectToken(c.Schema),
		subjectToken(c.Table),
		subjectToken(strings.ToLower(c.Type)),
	}, ".")
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Write publishes every change and flushes the connection.
func (s *NATSSink) Write(ctx context.Context, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal change: %w", err)
		}
		if err := s.conn.Publish(s.Subject(c), data); err != nil {
			return fmt.Errorf("publish %s: %w", s.Subject(c), err)
		}
	}
	// FlushWithContext requires a deadline
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := s.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}

// subjectToken replaces characters with special meaning in NATS subjects.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
