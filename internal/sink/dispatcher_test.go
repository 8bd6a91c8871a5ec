package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/realtime-bridge/internal/queue"
)

type memSink struct {
	name string
	err  error

	mu      sync.Mutex
	batches [][]Change
	closed  bool
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Write(ctx context.Context, changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, append([]Change(nil), changes...))
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *memSink) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func newInput() *queue.Queue[Change] {
	return queue.New[Change](queue.Config{InitialCapacity: 16})
}

func stopDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcher_FlushOnBatchSize(t *testing.T) {
	input := newInput()
	sink := &memSink{name: "mem"}
	d := NewDispatcher(DispatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, input, []Sink{sink}, nil)
	require.NoError(t, d.Start(context.Background()))
	defer stopDispatcher(t, d)

	for i := 0; i < 3; i++ {
		input.Push(testChange("INSERT"))
	}

	assert.Eventually(t, func() bool { return sink.total() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.batchCount())
}

func TestDispatcher_FlushOnInterval(t *testing.T) {
	input := newInput()
	sink := &memSink{name: "mem"}
	d := NewDispatcher(DispatcherConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, input, []Sink{sink}, nil)
	require.NoError(t, d.Start(context.Background()))
	defer stopDispatcher(t, d)

	input.Push(testChange("UPDATE"))

	assert.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StopFlushesAndCloses(t *testing.T) {
	input := newInput()
	sink := &memSink{name: "mem"}
	d := NewDispatcher(DispatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, input, []Sink{sink}, nil)
	require.NoError(t, d.Start(context.Background()))

	input.Push(testChange("INSERT"))
	input.Push(testChange("DELETE"))
	stopDispatcher(t, d)

	assert.Equal(t, 2, sink.total())
	assert.True(t, sink.closed)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Changes)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	input := newInput()
	good := &memSink{name: "good"}
	bad := &memSink{name: "bad", err: errors.New("connection refused")}
	d := NewDispatcher(DispatcherConfig{BatchSize: 1, FlushInterval: time.Hour}, input, []Sink{bad, good}, nil)
	require.NoError(t, d.Start(context.Background()))

	input.Push(testChange("INSERT"))
	input.Push(testChange("INSERT"))

	assert.Eventually(t, func() bool { return good.total() == 2 }, time.Second, 5*time.Millisecond)
	stopDispatcher(t, d)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Errors["bad"])
	assert.Zero(t, stats.Errors["good"])
}

func TestDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newInput(), nil, nil)
	assert.Equal(t, DefaultDispatcherConfig(), d.cfg)
}

// slowSink takes delay per write and gives up when ctx ends first.
type slowSink struct {
	memSink
	delay time.Duration
}

func (s *slowSink) Write(ctx context.Context, changes []Change) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	return s.memSink.Write(ctx, changes)
}

func TestDispatcher_InFlightWriteSurvivesCancel(t *testing.T) {
	input := newInput()
	sink := &slowSink{memSink: memSink{name: "slow"}, delay: 50 * time.Millisecond}
	d := NewDispatcher(DispatcherConfig{BatchSize: 2, FlushInterval: time.Hour}, input, []Sink{sink}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	input.Push(testChange("INSERT"))
	input.Push(testChange("UPDATE"))
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 2, sink.total())
	assert.Zero(t, d.Stats().Errors["slow"])
}

func TestDispatcher_WriteTimeout(t *testing.T) {
	input := newInput()
	sink := &slowSink{memSink: memSink{name: "slow"}, delay: time.Second}
	d := NewDispatcher(DispatcherConfig{BatchSize: 1, FlushInterval: time.Hour, WriteTimeout: 20 * time.Millisecond}, input, []Sink{sink}, nil)
	require.NoError(t, d.Start(context.Background()))

	input.Push(testChange("INSERT"))
	assert.Eventually(t, func() bool { return d.Stats().Errors["slow"] == 1 }, time.Second, 5*time.Millisecond)
	stopDispatcher(t, d)
	assert.Zero(t, sink.total())
}
