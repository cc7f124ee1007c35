package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"peersched/internal/config"
	"peersched/internal/eventbus"
	"peersched/internal/ingress"
	"peersched/internal/membership"
	"peersched/internal/replication"
	"peersched/internal/runtime/supervisor"
	"peersched/internal/storage"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	members *membership.Service
	exec    *worker.Dispatcher
	pool    *worker.Pool
	sched   *replication.Scheduler
	ingress *ingress.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("node", cfg.Node.Advertise))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	mcfg, err := mapMembershipConfig(cfg)
	if err != nil {
		return nil, err
	}
	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	rcfg, err := mapReplicationConfig(cfg)
	if err != nil {
		return nil, err
	}

	members := membership.New(mcfg, log.With(logx.Component("membership")), bus)
	exec := worker.NewDispatcher(nil)
	pool := worker.New(wcfg, exec, log.With(logx.Component("worker")), bus)
	sched := replication.New(rcfg, members, pool, log.With(logx.Component("replication")), bus)
	pool.SetReporter(sched)
	members.OnViewChange(func(v membership.View) { sched.SyncPeers(v.Members) })

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		members: members,
		exec:    exec,
		pool:    pool,
		sched:   sched,
	}
	if cfg.Ingress.Enabled {
		a.ingress = ingress.New(mapIngressConfig(cfg), ingress.Deps{
			Scheduler:  sched,
			Cluster:    members,
			Workers:    pool,
			Runtime:    a,
			Executions: store,
		}, log.With(logx.Component("ingress")))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Snapshot reports the app supervisor's goroutines; empty before Start.
func (a *App) Snapshot() supervisor.Snapshot { return a.sup.Snapshot() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error { return config.Validate(cfg) })

	a.pool.Start(a.sup.Context())

	memberBind, replBind := bindAddrs(cfg)
	if err := a.sched.Listen(a.sup.Context(), replBind); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", memberBind)
	if err != nil {
		return fmt.Errorf("membership listen %s: %w", memberBind, err)
	}
	if err := a.members.Serve(a.sup.Context(), ln, cfg.Node.Advertise, cfg.Node.Leader); err != nil {
		return err
	}
	// A fatal membership error (bad leader payload, join retries exhausted)
	// takes the node down.
	a.sup.Go("membership.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.members.Done():
			if err := a.members.Err(); err != nil {
				return fmt.Errorf("membership: %w", err)
			}
			return nil
		}
	})

	if a.store != nil {
		events, unsub := a.bus.SubscribePrefix("task.", 256)
		rec := storage.NewRecorder(a.store, cfg.Node.Advertise, a.log.With(logx.Component("recorder")))
		a.sup.Go0("storage.recorder", func(c context.Context) {
			defer unsub()
			rec.Run(c, events)
		})
	}

	if a.ingress != nil {
		if err := a.ingress.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("ingress: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("node started",
		logx.String("advertise", cfg.Node.Advertise),
		logx.String("membership_bind", memberBind),
		logx.String("replication_bind", replBind),
		logx.Bool("ingress", a.ingress != nil),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("logging reconfigured without file sink", logx.Err(err))
	}

	if wcfg, err := mapWorkerConfig(newCfg); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(c, wcfg)
	}
	if rcfg, err := mapReplicationConfig(newCfg); err != nil {
		a.log.Warn("invalid replication config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(rcfg)
	}
	if a.ingress != nil {
		a.ingress.Apply(mapIngressConfig(newCfg))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Ingress first so no new tasks arrive, then the cluster side, then
	// the executors.
	step("ingress", 2*time.Second, func(c context.Context) error {
		if a.ingress != nil {
			return a.ingress.Stop(c)
		}
		return nil
	})
	step("membership", 2*time.Second, a.members.Close)
	step("replication", 2*time.Second, a.sched.Stop)
	step("worker", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("executor", time.Second, func(context.Context) error { return a.exec.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
