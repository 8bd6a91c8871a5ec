package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-bridge/internal/api"
	"github.com/rickgao/realtime-bridge/internal/auth"
	"github.com/rickgao/realtime-bridge/internal/channel"
	"github.com/rickgao/realtime-bridge/internal/config"
	"github.com/rickgao/realtime-bridge/internal/connection"
	"github.com/rickgao/realtime-bridge/internal/database"
	"github.com/rickgao/realtime-bridge/internal/forward"
	"github.com/rickgao/realtime-bridge/internal/health"
	"github.com/rickgao/realtime-bridge/internal/protocol"
	"github.com/rickgao/realtime-bridge/internal/queue"
	"github.com/rickgao/realtime-bridge/internal/realtime"
	"github.com/rickgao/realtime-bridge/internal/sink"
)

// app wires the realtime client, the auth bridge and the sinks around a
// per-tick loop.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	client *realtime.Client
	bridge *auth.Bridge
	events *forward.EventQueue[sink.Change]

	sinkQueue  *queue.Queue[sink.Change]
	dispatcher *sink.Dispatcher
	checks     map[string]health.Check
}

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Endpoint = cfg.Realtime.Endpoint
	mc.APIKey = cfg.Realtime.APIKey
	mc.HeartbeatInterval = cfg.Realtime.HeartbeatInterval
	mc.PushTimeout = cfg.Realtime.PushTimeout
	mc.ReconnectBaseWait = cfg.Realtime.ReconnectBaseDelay
	mc.ReconnectMaxWait = cfg.Realtime.ReconnectMaxDelay
	mc.Client.HandshakeTimeout = cfg.Realtime.HandshakeTimeout
	return mc
}

func changeFilter(ch config.ChannelConfig) protocol.PostgresChangeFilter {
	f := protocol.PostgresChangeFilter{Schema: ch.Schema}
	if ch.Table != "" {
		table := ch.Table
		f.Table = &table
	}
	if ch.Filter != "" {
		filter := ch.Filter
		f.Filter = &filter
	}
	return f
}

// newApp builds every component. Channels are registered but not joined.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	client, err := realtime.New(managerConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		out:    out,
		client: client,
		events: forward.NewEventQueue[sink.Change]("app", cfg.App.MaxPending),
		checks: make(map[string]health.Check),
	}

	for _, chCfg := range cfg.Channels {
		if err := a.addChannel(chCfg); err != nil {
			return nil, err
		}
	}

	authClient := auth.NewClient(cfg.Auth.Endpoint, cfg.Realtime.APIKey, logger.With("component", "auth"),
		api.WithTimeout(cfg.Auth.Timeout),
		api.WithRetries(cfg.Auth.MaxRetries, time.Second),
	)
	a.bridge = auth.NewBridge(authClient, auth.BridgeConfig{RefreshMargin: cfg.Auth.RefreshMargin}, logger.With("component", "session"))
	a.bridge.AddSink(client)

	if cfg.AnySinkEnabled() {
		sinks, err := a.openSinks(ctx)
		if err != nil {
			return nil, err
		}
		a.sinkQueue = queue.New[sink.Change](queue.Config{
			Name:            "sink",
			InitialCapacity: cfg.Sinks.BatchSize,
			MaxCapacity:     cfg.Sinks.BufferSize,
		})
		a.dispatcher = sink.NewDispatcher(sink.DispatcherConfig{
			BatchSize:     cfg.Sinks.BatchSize,
			FlushInterval: cfg.Sinks.FlushInterval,
		}, a.sinkQueue, sinks, logger.With("component", "sinks"))
	}

	return a, nil
}

func (a *app) addChannel(chCfg config.ChannelConfig) error {
	event, err := protocol.ParsePostgresChangesEvent(chCfg.Event)
	if err != nil {
		return err
	}

	topic := chCfg.Topic
	fwd := forward.New(event, changeFilter(chCfg), func(p protocol.PostgresChangesPayload) sink.Change {
		return sink.FromPayload(topic, p)
	}, a.events)

	_, err = a.client.Channel(func(b *channel.Builder) {
		b.Topic(topic)
		fwd.Bind(b)
		b.OnSystem(func(p protocol.SystemPayload) {
			a.logger.Debug("system message", "topic", topic, "payload", p)
		})
	})
	if err != nil {
		return fmt.Errorf("register channel %s: %w", topic, err)
	}
	return nil
}

// openSinks connects every enabled sink. Already opened sinks are closed
// when a later one fails.
func (a *app) openSinks(ctx context.Context) (sinks []sink.Sink, err error) {
	defer func() {
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
		}
	}()

	sc := a.cfg.Sinks
	if sc.Postgres.Enabled {
		pool, err := database.Connect(ctx, sc.Postgres.Database)
		if err != nil {
			return sinks, fmt.Errorf("postgres sink: %w", err)
		}
		if err := database.EnsureChangelog(ctx, pool, sc.Postgres.Table); err != nil {
			pool.Close()
			return sinks, err
		}
		a.checks["postgres"] = pool.Ping
		sinks = append(sinks, sink.NewPostgres(pool, sc.Postgres.Table, pool.Close, a.logger))
	}
	if sc.Redis.Enabled {
		client, err := sink.DialRedis(ctx, sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB)
		if err != nil {
			return sinks, fmt.Errorf("redis sink: %w", err)
		}
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		sinks = append(sinks, sink.NewRedis(client, sc.Redis.Stream, sc.Redis.MaxLen))
	}
	if sc.NATS.Enabled {
		conn, err := sink.DialNATS(sc.NATS.URL, "realtime-bridge", a.logger)
		if err != nil {
			return sinks, fmt.Errorf("nats sink: %w", err)
		}
		a.checks["nats"] = func(ctx context.Context) error {
			if !conn.IsConnected() {
				return errors.New(conn.Status().String())
			}
			return nil
		}
		sinks = append(sinks, sink.NewNATS(conn, sc.NATS.SubjectPrefix))
	}
	return sinks, nil
}

// run connects, subscribes, signs in, and drives the tick loop until ctx is
// cancelled or the access token cannot be applied.
func (a *app) run(ctx context.Context) error {
	defer a.shutdown()

	if a.dispatcher != nil {
		if err := a.dispatcher.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.bridge.Start(ctx); err != nil {
		return err
	}
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}

	for _, ch := range a.client.Channels() {
		// A failed join is retried after the next reconnect
		if err := ch.Subscribe(ctx); err != nil {
			a.logger.Warn("subscribe failed", "topic", ch.Topic(), "error", err)
		}
	}

	if a.cfg.Auth.ID != "" {
		creds := auth.Creds{ID: a.cfg.Auth.ID, Password: a.cfg.Auth.Password}
		if err := a.bridge.SignIn(ctx, creds); err != nil {
			a.logger.Error("sign in failed", "id", creds.ID, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if !a.cfg.Health.Disabled {
		router := health.NewRouter(a.client, health.Options{
			MetricsPath: a.cfg.Health.MetricsPath,
			Checks:      a.checks,
			SignedIn:    func() bool { return a.bridge.AccessToken() != "" },
		})
		g.Go(func() error {
			return health.Serve(gctx, a.cfg.Health.Port, router, a.logger)
		})
	}
	g.Go(func() error {
		return a.loop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) loop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.App.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.tick(); err != nil {
				return err
			}
		}
	}
}

// tick applies a fresh sign-in token and prints the changes received since
// the previous tick.
func (a *app) tick() error {
	if a.bridge.JustLoggedIn() {
		token := a.bridge.AccessToken()
		if err := a.client.SetAccessToken(token); err != nil {
			return fmt.Errorf("set access token: %w", err)
		}
		a.logSignedIn(token)
	}

	for _, change := range a.events.Read() {
		fmt.Fprintf(a.out, "Change got! %+v\n", change)
		if a.sinkQueue != nil {
			a.sinkQueue.Push(change)
		}
	}
	return nil
}

func (a *app) logSignedIn(token string) {
	var secret []byte
	if a.cfg.Auth.JWTSecret != "" {
		secret = []byte(a.cfg.Auth.JWTSecret)
	}
	claims, err := auth.ParseClaims(token, secret)
	if err != nil {
		a.logger.Warn("access token claims unreadable", "error", err)
		return
	}

	attrs := []any{"subject", claims.Subject, "role", claims.Role}
	if claims.ExpiresAt != nil {
		attrs = append(attrs, "expires_at", claims.ExpiresAt.Time)
	}
	a.logger.Info("access token applied to realtime", attrs...)
}

// shutdownTimeout bounds each shutdown phase: leaving the socket, then
// flushing the sinks.
const shutdownTimeout = 10 * time.Second

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.logger.Info("shutting down...")

	a.bridge.Stop(ctx)
	if err := a.client.Close(ctx); err != nil {
		a.logger.Warn("realtime close failed", "error", err)
	}

	// Changes still queued for the tick loop go to the sinks only
	if a.sinkQueue != nil {
		for _, change := range a.events.Read() {
			a.sinkQueue.Push(change)
		}
	}
	a.events.Close()

	if a.dispatcher != nil {
		sinkCtx, sinkCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer sinkCancel()
		a.dispatcher.Stop(sinkCtx)
	}
	a.logger.Info("realtime listener stopped")
}
