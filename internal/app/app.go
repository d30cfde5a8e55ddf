// Package app assembles the pipeline: config, logging, storage, the job
// queue, dispatch workers and the campaign scheduler.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"outreachd/internal/campaign"
	"outreachd/internal/channel"
	"outreachd/internal/config"
	"outreachd/internal/dispatch"
	"outreachd/internal/domain"
	"outreachd/internal/eventbus"
	"outreachd/internal/queue"
	"outreachd/internal/ratelimit"
	"outreachd/internal/runtime/supervisor"
	"outreachd/internal/store"
	logx "outreachd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	registry *channel.Registry

	dispatch *dispatch.Service
	sched    *campaign.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(st.DB(), qcfg, log.With(logx.String("comp", "queue")))

	limiter := ratelimit.New(mapRateCaps(cfg))

	// All channels start on the in-memory sender; real provider adapters
	// register over these as they are configured.
	registry := channel.NewRegistry()
	for _, ch := range domain.Channels() {
		registry.Register(ch, channel.NewMock())
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dsp := dispatch.New(dcfg, q, st, registry, limiter, bus, log.With(logx.String("comp", "dispatch")))

	sched := campaign.New(campaign.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		ImmediateSpec: cfg.Scheduler.ImmediateSpec,
		SequenceSpec:  cfg.Scheduler.SequenceSpec,
		RecurringSpec: cfg.Scheduler.RecurringSpec,
	}, st, q, bus, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		queue:    q,
		limiter:  limiter,
		registry: registry,
		dispatch: dsp,
		sched:    sched,
	}, nil
}

// Ops exposes the operator surface.
func (a *App) Ops() *Ops {
	return &Ops{store: a.store, queue: a.queue, limiter: a.limiter, sched: a.sched, bus: a.bus}
}

// Registry allows provider adapters to be registered before Start.
func (a *App) Registry() *channel.Registry { return a.registry }

// Bus exposes pipeline events for embedding callers.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Hot-reload: logging, rate caps and worker pacing apply live; storage,
	// worker counts and scheduler cadence need a restart.
	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.limiter.Apply(mapRateCaps(cfg))
				a.dispatch.ApplyRate(float64(cfg.Dispatch.RatePerSec))
				a.log.Info("config applied")
			}
		}
	})
	// The fsnotify watcher can die with the watched directory; restart it
	// with backoff instead of losing hot reload for the process lifetime.
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.sup.Go("queue.janitor", a.queue.Run)
	a.sup.Go("dispatch.workers", a.dispatch.Run)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.log.Info("outreachd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.sched.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// --- config mapping ---

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	poll, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 0)
	if err != nil {
		return queue.Config{}, err
	}
	vis, err := config.ParseDurationOrDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout, 0)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("queue.retry_base", cfg.Queue.RetryBase, 0)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("queue.retry_max_delay", cfg.Queue.RetryMaxDelay, 0)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		PollInterval:      poll,
		VisibilityTimeout: vis,
		RetryMax:          cfg.Queue.RetryMax,
		RetryBase:         base,
		RetryMaxDelay:     maxDelay,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		RatePerSec:  float64(cfg.Dispatch.RatePerSec),
		SendTimeout: sendTimeout,
	}, nil
}

func mapRateCaps(cfg *config.Config) map[domain.Channel]ratelimit.Caps {
	out := make(map[domain.Channel]ratelimit.Caps, len(cfg.Rates))
	for name, rc := range cfg.Rates {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			continue // rejected by validate; unreachable after a clean load
		}
		out[ch] = ratelimit.Caps{PerMinute: rc.PerMinute, PerHour: rc.PerHour, PerDay: rc.PerDay}
	}
	return out
}

func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, f := range []struct{ name, val string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"queue.poll_interval", cfg.Queue.PollInterval},
		{"queue.visibility_timeout", cfg.Queue.VisibilityTimeout},
		{"queue.retry_base", cfg.Queue.RetryBase},
		{"queue.retry_max_delay", cfg.Queue.RetryMaxDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
	} {
		if _, err := config.ParseDurationField(f.name, f.val); err != nil {
			return err
		}
	}
	if cfg.Queue.RetryMax < 0 {
		return fmt.Errorf("queue.retry_max must be >= 0")
	}
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	for name, rc := range cfg.Rates {
		if _, err := domain.ParseChannel(name); err != nil {
			return fmt.Errorf("rates: %w", err)
		}
		if rc.PerMinute < 0 || rc.PerHour < 0 || rc.PerDay < 0 {
			return fmt.Errorf("rates.%s: caps must be >= 0", name)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
