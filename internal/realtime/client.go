// Package realtime is the entry point for applications: one socket, any
// number of channels, and the access token they join with.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/realtime-bridge/internal/channel"
	"github.com/rickgao/realtime-bridge/internal/connection"
)

// ErrUnknownChannel is returned when removing a topic that was never added.
var ErrUnknownChannel = errors.New("unknown channel")

// ChannelStatus describes one channel for health reporting.
type ChannelStatus struct {
	Topic string `json:"topic"`
	State string `json:"state"`
}

// Client multiplexes channels over one connection manager.
type Client struct {
	mgr    connection.Manager
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel
}

// New creates a client with its own connection manager.
func New(cfg connection.ManagerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr, err := connection.NewManager(cfg, logger.With("component", "connection"))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	return NewWithManager(mgr, logger), nil
}

// NewWithManager wraps an existing manager.
func NewWithManager(mgr connection.Manager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		mgr:      mgr,
		logger:   logger,
		channels: make(map[string]*channel.Channel),
	}
}

// Connect opens the socket. A failed first dial keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.Start(ctx)
}

// Channel builds and registers a channel. build receives a fresh builder;
// it must at least set the topic. Topics are unique per client.
func (c *Client) Channel(build func(b *channel.Builder)) (*channel.Channel, error) {
	b := channel.NewBuilder()
	build(b)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.channels[b.TopicName()]; exists {
		return nil, fmt.Errorf("%w: %s", connection.ErrTopicRegistered, b.TopicName())
	}

	ch, err := channel.New(c.mgr, b, c.logger.With("component", "channel"))
	if err != nil {
		return nil, err
	}
	c.channels[ch.Topic()] = ch
	return ch, nil
}

// SetAccessToken updates the token used by joins and pushes it to joined channels.
func (c *Client) SetAccessToken(token string) error {
	return c.mgr.SetAccessToken(token)
}

// RemoveChannel leaves and forgets the channel for topic.
func (c *Client) RemoveChannel(ctx context.Context, topic string) error {
	c.mu.Lock()
	ch, ok := c.channels[topic]
	delete(c.channels, topic)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, topic)
	}
	return ch.Close(ctx)
}

// Channels returns the registered channels sorted by topic.
func (c *Client) Channels() []*channel.Channel {
	c.mu.Lock()
	out := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic() < out[j].Topic() })
	return out
}

// ChannelStatuses reports each channel's state.
func (c *Client) ChannelStatuses() []ChannelStatus {
	chs := c.Channels()
	out := make([]ChannelStatus, len(chs))
	for i, ch := range chs {
		out[i] = ChannelStatus{Topic: ch.Topic(), State: ch.State().String()}
	}
	return out
}

// State returns the socket state.
func (c *Client) State() connection.State {
	return c.mgr.State()
}

// Stats returns socket statistics.
func (c *Client) Stats() connection.ManagerStats {
	return c.mgr.Stats()
}

// Close leaves every channel and stops the socket.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	chs := make([]*channel.Channel, 0, len(c.channels))
	for topic, ch := range c.channels {
		chs = append(chs, ch)
		delete(c.channels, topic)
	}
	c.mu.Unlock()

	// Leave every channel in parallel
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, ch := range chs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := c.mgr.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
