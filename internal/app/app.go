package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"syncq/internal/config"
	"syncq/internal/eventbus"
	"syncq/internal/httpapi"
	"syncq/internal/job"
	"syncq/internal/lifecycle"
	"syncq/internal/metrics"
	"syncq/internal/netgate"
	"syncq/internal/notifier"
	"syncq/internal/queue"
	"syncq/internal/remote"
	"syncq/internal/runtime/supervisor"
	"syncq/internal/scheduler"
	"syncq/internal/storage"
	logx "syncq/pkg/logx"
)

// JobTypes lists every queue the app runs, in construction order.
var JobTypes = []job.Type{job.FileUpload, job.MetadataUpload}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	backend storage.Backend
	metrics *metrics.Registry

	monitor  *netgate.Monitor
	poller   *netgate.Poller
	pollSpec string

	client *remote.Client
	notif  *notifier.Service
	queues []*queue.Queue
	life   *lifecycle.Listener
	sched  *scheduler.Scheduler
	api    *httpapi.Server
}

// Options override collaborators, mostly for tests.
type Options struct {
	// Prober replaces interface probing in connectivity mode "auto".
	Prober netgate.Prober
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWithOptions(cfgPath, Options{})
}

// NewAppWithOptions loads the config and builds every component: store,
// then queues, then the scheduler facade and control API on top.
func NewAppWithOptions(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	if err := a.build(cfg, opts); err != nil {
		if a.backend != nil {
			_ = a.backend.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.backend, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	poll, spec, initial, err := mapConnectivity(cfg)
	if err != nil {
		return err
	}
	a.monitor = netgate.NewMonitor(initial)
	if poll {
		prober := opts.Prober
		if prober == nil {
			prober = netgate.InterfaceProber{}
		}
		a.poller = netgate.NewPoller(a.monitor, prober, a.log.With(logx.String("comp", "netgate")))
		a.pollSpec = spec
	}

	rc, err := mapRemoteConfig(cfg)
	if err != nil {
		return err
	}
	a.client, err = remote.New(rc, a.log.With(logx.String("comp", "remote")))
	if err != nil {
		return err
	}

	var sinks []notifier.Sink
	if config.NotifierOrDefault(cfg).ReportRemote {
		sinks = append(sinks, remote.NewFailureReporter(a.client))
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), a.log, a.bus, sinks...)

	executors := map[job.Type]queue.Executor{
		job.FileUpload:     remote.NewFileUploader(a.client),
		job.MetadataUpload: remote.NewMetadataUploader(a.client),
	}
	gate := netgate.NewGate(a.monitor)
	a.life = lifecycle.New(a.bus, a.log.With(logx.String("comp", "lifecycle")))

	submitters := map[job.Type]scheduler.Submitter{}
	policies := map[job.Type]scheduler.Policy{}
	for _, t := range JobTypes {
		qcfg, policy, err := mapQueueConfig(t, queueConfigFor(cfg, t))
		if err != nil {
			return err
		}
		q, err := queue.New(qcfg, queue.Deps{
			Store:    a.backend.Jobs(string(t)),
			Executor: executors[t],
			Gate:     gate,
			Observer: a.notif,
			Metrics:  a.metrics,
			Bus:      a.bus,
			Log:      a.log,
		})
		if err != nil {
			return err
		}
		a.queues = append(a.queues, q)
		a.life.RegisterQueue(q)
		submitters[t] = q
		policies[t] = policy
	}
	a.sched = scheduler.New(submitters, policies, a.log.With(logx.String("comp", "scheduler")))

	a.metrics.RegisterGaugeFunc("eventbus_dropped", "Events dropped by slow bus subscribers.", func() float64 {
		return float64(a.bus.Dropped())
	})
	a.metrics.RegisterGaugeFunc("supervised_goroutines", "Goroutines running under the app supervisor.", func() float64 {
		if a.sup == nil {
			return 0
		}
		return float64(a.sup.Snapshot().Active)
	})

	snaps := make([]httpapi.Snapshotter, 0, len(a.queues))
	for _, q := range a.queues {
		snaps = append(snaps, q)
	}
	a.api = httpapi.New(httpapi.Config{Addr: cfg.HTTP.AddrOrDefault(), Pprof: cfg.HTTP.Pprof}, httpapi.Deps{
		Scheduler:    a.sched,
		Lifecycle:    a.life,
		Connectivity: a.monitor,
		Queues:       snaps,
		Failures:     a.notif,
		Library:      a.client,
		Metrics:      a.metrics.Handler(),
		Health:       a.health,
	}, a.log)
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Lifecycle() *lifecycle.Listener { return a.life }

func (a *App) Connectivity() *netgate.Monitor { return a.monitor }

func (a *App) Notifier() *notifier.Service { return a.notif }

func (a *App) Queues() []*queue.Queue { return a.queues }

// APIAddr is the bound control API address once Start has run.
func (a *App) APIAddr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	// Bus subscribers go first so restore events are observed.
	a.startEventLog()

	a.notif.Start(runCtx)

	for _, q := range a.queues {
		n, err := q.Restore(runCtx)
		if err != nil {
			return fmt.Errorf("restore %s: %w", q.Type(), err)
		}
		if n > 0 {
			a.log.Info("jobs restored", logx.String("queue", string(q.Type())), logx.Int("count", n))
		}
		q.Start(runCtx)
	}

	if a.poller != nil {
		a.sup.GoRestart("connectivity.poll", func(c context.Context) error {
			if err := a.poller.Start(c, a.pollSpec); err != nil {
				return err
			}
			<-c.Done()
			a.poller.Stop()
			return nil
		}, supervisor.WithMaxRestarts(5))
	}
	a.sup.Go("connectivity.metrics", func(c context.Context) error {
		changes, unsub := a.monitor.Subscribe()
		defer unsub()
		for {
			class := a.monitor.Current()
			a.metrics.SetNetworkClass(int(class))
			a.bus.Publish(eventbus.Event{Type: eventbus.NetworkChanged, Data: class.String()})
			select {
			case <-c.Done():
				return nil
			case <-changes:
			}
		}
	})

	a.sup.Go("lifecycle.watch", func(c context.Context) error {
		err := a.life.Watch(c, a.client.Unauthorized())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.startConfigReload()
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.GoRestart("httpapi", a.api.Run, supervisor.WithMaxRestarts(3))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("queues", len(a.queues)))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.SessionPurged {
					a.metrics.Purged()
				}
				// Trace-level; every job transition lands here.
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// startConfigReload applies hot-reloadable sections: logging, notifier and
// pinned connectivity. Everything else needs a restart and is only logged.
func (a *App) startConfigReload() {
	sub, unsub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer unsub()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	prev := config.NotifierOrDefault(oldCfg).Enabled
	ncfg := mapNotifierConfig(newCfg)
	a.notif.Apply(ncfg)
	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if oldCfg == nil || oldCfg.Connectivity != newCfg.Connectivity {
		if poll, _, class, err := mapConnectivity(newCfg); err == nil && !poll && a.poller == nil {
			if a.monitor.Set(class) {
				a.log.Info("connectivity pinned", logx.String("class", class.String()))
			}
		}
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "storage", "queues", "remote", "http":
			restart = append(restart, s)
		case "connectivity":
			if a.poller != nil || newCfg.Connectivity.ModeOrDefault() == "auto" {
				restart = append(restart, s)
			}
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", attrs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Queues first so no new attempt starts while the rest unwinds.
	for _, q := range a.queues {
		a.step(ctx, "queue."+string(q.Type()), 3*time.Second, q.Stop)
	}
	a.step(ctx, "notifier", 2*time.Second, a.notif.Stop)
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped", logx.Int("bus_dropped", int(a.bus.Dropped())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// can't stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
