package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/config"
	"github.com/vinayprograms/lovebridge/credentials"
	"github.com/vinayprograms/lovebridge/envelope"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/heartbeat"
	"github.com/vinayprograms/lovebridge/logging"
	"github.com/vinayprograms/lovebridge/queue"
	"github.com/vinayprograms/lovebridge/ratelimit"
	"github.com/vinayprograms/lovebridge/relay"
	"github.com/vinayprograms/lovebridge/shutdown"
	"github.com/vinayprograms/lovebridge/state"
	"github.com/vinayprograms/lovebridge/telemetry"
	"github.com/vinayprograms/lovebridge/transport"
)

// Inbound command limits per relay.
const (
	commandsPerSecond     = 20
	logLevelSetsPerSecond = 5
)

const shutdownTimeout = 15 * time.Second

// run starts every relay in relays and blocks until a signal, ctx or the
// exit of all relays triggers shutdown.
func run(ctx context.Context, cfg *config.Config, relays []string, logger *logging.Logger) error {
	creds, credPath, err := credentials.Load()
	if err != nil {
		return bridgeerr.ConfigInvalid("credentials " + credPath + ": " + err.Error())
	}
	if cfg.Manager.Password == "" {
		cfg.Manager.Password = creds.Password(credentials.SectionManager)
	}

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "lovebridge",
		ServiceVersion: version,
		Relays:         relays,
		Endpoint:       cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return bridgeerr.ConfigInvalid("tracing: " + err.Error())
	}

	policy := startupBackoff(cfg)
	b, err := retryStartup(ctx, "bus", policy, logger, func() (bus.MessageBus, error) {
		return openBus(cfg, creds, logger.WithComponent("bus"))
	})
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return err
	}
	store, err := retryStartup(ctx, "state", policy, logger, func() (state.Store, error) {
		return openStore(cfg, b)
	})
	if err != nil {
		_ = b.Close()
		_ = provider.Shutdown(context.Background())
		return err
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         shutdownTimeout,
		ContinueOnError: true,
		Logger:          logger.WithComponent("shutdown"),
	})

	relayCtx, cancelRelays := context.WithCancel(ctx)
	var g errgroup.Group
	started := 0

	coord.RegisterFunc("relays", shutdown.PhaseRelays, func(ctx context.Context) error {
		cancelRelays()
		return waitGroup(ctx, &g)
	})
	coord.RegisterFunc("store", shutdown.PhaseStores, func(context.Context) error { return store.Close() })
	coord.RegisterFunc("bus", shutdown.PhaseBus, func(context.Context) error { return b.Close() })
	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)

	// abort releases whatever has been started so far.
	abort := func(err error) error {
		_ = coord.ShutdownWithTimeout(shutdownTimeout)
		return err
	}

	for _, name := range relays {
		h, source, err := buildHandler(name, cfg)
		if err != nil {
			return abort(err)
		}
		if h == nil {
			logger.Warn("relay has nothing to relay, skipped", map[string]interface{}{"relay": name})
			continue
		}

		rlog := logger.WithComponent(name)
		mgr, err := transport.NewManager(transport.Config{
			URL:        cfg.Manager.Host,
			Credential: cfg.Manager.Password,
			Source:     "lovebridge-" + name,
			Backoff: transport.BackoffConfig{
				Min: cfg.Manager.BackoffMin,
				Max: cfg.Manager.BackoffMax,
			},
			HeartbeatInterval: cfg.Manager.HeartbeatInterval,
			BufferSize:        cfg.Manager.BufferSize,
			MaxSendRate:       cfg.Manager.MaxSendRate,
		}, transport.WithLogger(logger.WithComponent("transport/"+name)))
		if err != nil {
			return abort(err)
		}

		loop, err := relay.New(relay.Config{
			Name:           name,
			Source:         source,
			TickInterval:   cfg.Heartbeats.CheckInterval,
			StoreTTL:       cfg.State.TTL,
			RequestTimeout: cfg.Bus.RequestTimeout,
		}, b, mgr, h,
			relay.WithStore(store),
			relay.WithTracer(provider.Tracer()),
			relay.WithLogger(rlog),
			relay.WithThrottle(newThrottle()),
		)
		if err != nil {
			return abort(err)
		}

		connCtx, cancelConn := context.WithCancel(context.Background())
		mgr.Start(connCtx)
		coord.RegisterFunc("connection/"+name, shutdown.PhaseConnections, func(ctx context.Context) error {
			defer cancelConn()
			return mgr.Close(ctx)
		})

		g.Go(func() error {
			if err := loop.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				rlog.Error("relay stopped", map[string]interface{}{
					"error": err.Error(),
					"code":  string(bridgeerr.Code(err)),
				})
			}
			return nil
		})
		started++
	}

	if started == 0 {
		return abort(bridgeerr.ConfigInvalid("no relay has components to relay"))
	}
	coord.HandleSignals()
	logger.Info("bridge started", map[string]interface{}{
		"relays":  started,
		"manager": cfg.Manager.Host,
		"bus":     cfg.Bus.Type,
		"state":   cfg.State.Backend,
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-waitChan(&g):
		case <-coord.Done():
			return
		}
		coord.Trigger()
	}()

	<-coord.Done()
	if res := coord.Result(); res != nil {
		fields := map[string]interface{}{"duration": res.TotalDuration.String()}
		if res.Failed() {
			fields["failed"] = res.FailedHandlers()
		}
		logger.Info("shutdown complete", fields)
	}
	return nil
}

func waitChan(g *errgroup.Group) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	return done
}

func waitGroup(ctx context.Context, g *errgroup.Group) error {
	select {
	case <-waitChan(g):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startupBackoff paces startup retries like the manager reconnects.
func startupBackoff(cfg *config.Config) transport.BackoffConfig {
	bc := transport.DefaultBackoffConfig()
	if cfg.Manager.BackoffMin > 0 {
		bc.Min = cfg.Manager.BackoffMin
	}
	if cfg.Manager.BackoffMax >= bc.Min {
		bc.Max = cfg.Manager.BackoffMax
	}
	return bc
}

// retryStartup calls open until it succeeds, ctx ends or it fails with a
// fatal error. A bridge whose bus or store is down waits for it.
func retryStartup[T any](ctx context.Context, what string, policy transport.BackoffConfig, logger *logging.Logger, open func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := open()
		if err != nil && bridgeerr.IsFatal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(policy.Exponential()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("startup dependency unavailable", map[string]interface{}{
				"dependency": what,
				"error":      err.Error(),
				"code":       string(bridgeerr.Code(err)),
				"retry_in":   next.String(),
			})
		}),
	)
}

func openBus(cfg *config.Config, creds *credentials.Credentials, logger *logging.Logger) (bus.MessageBus, error) {
	switch cfg.Bus.Type {
	case "memory":
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	default:
		nc := bus.DefaultNATSConfig()
		nc.URL = cfg.Bus.URL
		nc.Name = "lovebridge"
		nc.Stream = cfg.Bus.Stream
		nc.User = creds.User(credentials.SectionNATS)
		nc.Password = creds.Password(credentials.SectionNATS)
		nc.Token = creds.Token(credentials.SectionNATS)
		nc.Logger = logger
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, bridgeerr.BusUnavailable(cfg.Bus.URL, err)
		}
		return b, nil
	}
}

func openStore(cfg *config.Config, b bus.MessageBus) (state.Store, error) {
	switch cfg.State.Backend {
	case "nats":
		nb, ok := b.(*bus.NATSBus)
		if !ok {
			return nil, bridgeerr.ConfigInvalid("nats state backend needs the nats bus")
		}
		s, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:   nb.Conn(),
			Bucket: cfg.State.Bucket,
			TTL:    cfg.State.TTL,
		})
		if err != nil {
			return nil, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeBusUnavailable, "state bucket "+cfg.State.Bucket)
		}
		return s, nil
	case "redis":
		s, err := state.NewRedisStore(state.RedisStoreConfig{URL: cfg.State.RedisURL})
		if errors.Is(err, state.ErrBadURL) {
			return nil, bridgeerr.ConfigInvalid("state redis: " + err.Error())
		}
		if err != nil {
			return nil, bridgeerr.Wrap(err, "state redis")
		}
		return s, nil
	default:
		return state.NewMemoryStore(), nil
	}
}

// buildHandler returns the handler of one relay and the source its
// replies carry. A nil handler means the relay has nothing configured.
func buildHandler(name string, cfg *config.Config) (relay.Handler, string, error) {
	cscs, err := cfg.Components()
	if err != nil {
		return nil, "", bridgeerr.ConfigInvalid(err.Error())
	}
	source := "lovebridge-" + name

	switch name {
	case config.RelayEvents, config.RelayTelemetry:
		kind, streamsFor := relay.KindEvents, cfg.EventsFor
		if name == config.RelayTelemetry {
			kind, streamsFor = relay.KindTelemetry, cfg.TelemetryFor
		}
		var comps []relay.Component
		for _, c := range cscs {
			if streams := streamsFor(c.Name); len(streams) > 0 {
				comps = append(comps, relay.Component{Name: c.Name, Index: c.Index, Streams: streams})
			}
		}
		if len(comps) == 0 {
			return nil, "", nil
		}
		return relay.NewStreams(kind, comps), source, nil

	case config.RelayHeartbeats:
		if len(cscs) == 0 {
			return nil, "", nil
		}
		comps := make([]relay.Component, 0, len(cscs))
		for _, c := range cscs {
			comps = append(comps, relay.Component{Name: c.Name, Index: c.Index})
		}
		h, err := relay.NewHeartbeats(relay.HeartbeatsConfig{
			Components: comps,
			Monitor: heartbeat.MonitorConfig{
				Timeout:       cfg.Heartbeats.Timeout,
				Threshold:     cfg.Heartbeats.MaxLost,
				CheckInterval: cfg.Heartbeats.CheckInterval,
			},
		})
		if err != nil {
			return nil, "", bridgeerr.ConfigInvalid("heartbeats: " + err.Error())
		}
		return h, source, nil

	case config.RelayQueue:
		tc := queue.DefaultConfig()
		tc.RetireGrace = cfg.Queue.RetireGrace
		tc.PendingExpiry = cfg.Queue.PendingExpiry
		q, err := relay.NewQueue(relay.QueueConfig{
			Index:   cfg.Queue.Index,
			Tracker: tc,
			JobHeartbeat: heartbeat.MonitorConfig{
				Timeout:       cfg.Queue.JobHeartbeat,
				Threshold:     cfg.Queue.JobHeartbeatLost,
				CheckInterval: cfg.Heartbeats.CheckInterval,
			},
		})
		if err != nil {
			return nil, "", bridgeerr.ConfigInvalid("queue: " + err.Error())
		}
		return q, q.Source(), nil

	default:
		return nil, "", bridgeerr.ConfigInvalid("unknown relay " + name)
	}
}

func newThrottle() *ratelimit.Throttle {
	t := ratelimit.NewThrottle()
	t.SetDefault(commandsPerSecond, time.Second)
	t.SetCapacity(envelope.CmdSetLogLevel, logLevelSetsPerSecond, time.Second)
	return t
}
