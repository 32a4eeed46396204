// Package app wires the agent together: config, logging, storage, the
// signing subsystem, generators, the notifier, the scheduler and the local
// HTTP API. It owns startup order and a bounded, stepwise shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"xhsagent/internal/config"
	"xhsagent/internal/gen"
	"xhsagent/internal/httpapi"
	"xhsagent/internal/notify"
	"xhsagent/internal/pipeline"
	"xhsagent/internal/planner"
	"xhsagent/internal/schedule"
	"xhsagent/internal/sign"
	"xhsagent/internal/store"
	"xhsagent/internal/xhs"
	logx "xhsagent/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	st       store.Store
	strategy sign.Strategy
	signer   *sign.Signer

	notif *notify.Service
	exec  *pipeline.Executor
	sched *schedule.Service
	plan  *planner.Planner
	api   *httpapi.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", cfgPath, err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logs}
	if err := a.build(cfg); err != nil {
		a.closeBuilt()
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		Timezone:    loc,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	strategy, err := a.buildStrategy(cfg.Signing)
	if err != nil {
		return err
	}
	a.strategy = strategy
	a.signer = sign.New(strategy, a.log.With(logx.String("comp", "sign")))

	platformTimeout, err := cfg.Platform.CallTimeout()
	if err != nil {
		return err
	}
	platformCfg := xhs.Config{
		BaseURL:    cfg.Platform.BaseURL,
		Timeout:    platformTimeout,
		RatePerSec: cfg.Platform.RatePerSec,
	}
	clientLog := a.log.With(logx.String("comp", "xhs"))
	clientFor := func(cookie string) *xhs.Client {
		return xhs.NewClient(platformCfg, a.signer, cookie, clientLog)
	}

	text, err := gen.NewLLMClient(cfg.Text, a.log.With(logx.String("comp", "text")))
	if err != nil {
		return err
	}
	imageCfg := cfg.Image
	if strings.TrimSpace(imageCfg.Timeout) == "" {
		// the pipeline-level knob is the fallback for the image API timeout
		imgTimeout, err := cfg.Pipeline.ImageCallTimeout()
		if err != nil {
			return err
		}
		imageCfg.Timeout = imgTimeout.String()
	}
	image, err := gen.NewImageClient(imageCfg, a.log.With(logx.String("comp", "image")))
	if err != nil {
		return err
	}

	notif, err := a.buildNotifier(cfg.Notifier)
	if err != nil {
		return err
	}
	a.notif = notif

	dlTimeout, err := cfg.Pipeline.DownloadCallTimeout()
	if err != nil {
		return err
	}
	a.exec = pipeline.NewExecutor(st, text, image,
		func(cookie string) pipeline.Publisher { return clientFor(cookie) },
		pipeline.Options{
			DownloadTimeout: dlTimeout,
			Notifier:        notif,
		}, a.log.With(logx.String("comp", "pipeline")))

	sched, err := schedule.New(cfg.Scheduler, st, a.exec, a.log.With(logx.String("comp", "schedule")))
	if err != nil {
		return err
	}
	a.sched = sched

	a.plan = planner.New(st, text,
		func(cookie string) planner.NotesFetcher { return clientFor(cookie) },
		sched, sched.Location(), a.log.With(logx.String("comp", "planner")))
	sched.SetPlanFunc(a.plan.ReplanIdleGoals)

	if cfg.API != nil && cfg.API.Enabled {
		a.api = httpapi.New(*cfg.API, st, sched, a.exec, a.plan,
			func(cookie string) httpapi.AccountPreviewer { return clientFor(cookie) },
			sched.Location(), a.log.With(logx.String("comp", "api")))
	}
	return nil
}

func (a *App) buildStrategy(cfg config.SigningConfig) (sign.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "browser":
		return sign.NewBrowserStrategy(a.log.With(logx.String("comp", "sign.browser")))
	case "", "script":
		return sign.NewScriptStrategy(cfg.ScriptPath, cfg.MnsPath, a.log.With(logx.String("comp", "sign.script")))
	default:
		return nil, fmt.Errorf("signing.strategy: unknown %q (want script or browser)", cfg.Strategy)
	}
}

func (a *App) buildNotifier(cfg *config.NotifierConfig) (*notify.Service, error) {
	var channels []notify.Channel
	if cfg != nil && cfg.Enabled {
		if cfg.WxPusher != nil {
			ch, err := notify.NewWxPusher(*cfg.WxPusher)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}
		if cfg.Telegram != nil {
			ch, err := notify.NewTelegram(*cfg.Telegram)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}
	}
	return notify.New(cfg, channels, a.log.With(logx.String("comp", "notify")))
}

// Start brings the services up and rearms persisted pending jobs. The
// order matters: notifier before executor traffic, scheduler before the
// API that can trigger runs.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.notif.Start(runCtx)

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if err := a.sched.Recover(runCtx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Hot reload is intentionally narrow: only logging settings apply live.
	// Everything else (storage, signing, platform) needs a restart.
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded", logx.String("applied", "logging"))
			}
		}
	}()

	a.log.Info("agent started")
	return nil
}

// Stop tears the services down in reverse order. Each step gets its own
// upper bound so one stuck component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
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
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("signer", 2*time.Second, func(context.Context) error { return a.signer.Close() })
	step("store", 1*time.Second, func(context.Context) error { return a.st.Close() })

	step("watchers", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.log.Info("agent stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// closeBuilt releases the resources of a partially constructed app.
func (a *App) closeBuilt() {
	if a.signer != nil {
		_ = a.signer.Close()
	} else if a.strategy != nil {
		_ = a.strategy.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
}
