// Package app is the composition root: it wires config, logging, the
// session store, the delivery driver, the dispatch supervisor and the HTTP
// API into one start/stoppable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"blastd/internal/api"
	"blastd/internal/config"
	"blastd/internal/delivery"
	"blastd/internal/delivery/sim"
	"blastd/internal/delivery/telegram"
	"blastd/internal/dispatch"
	"blastd/internal/eventbus"
	"blastd/internal/observability/pprof"
	"blastd/internal/runtime/supervisor"
	"blastd/internal/store"
	logx "blastd/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st      store.Store
	bus     eventbus.Bus
	sup     *dispatch.Supervisor
	pprofSv *pprof.Service
	httpSrv *http.Server
	addr    string

	runSv *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{mgr: mgr, logSvc: logSvc, log: log}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	a.st, err = store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	acquire, err := buildAcquire(cfg.Delivery, log.With(logx.String("comp", "delivery")))
	if err != nil {
		return nil, err
	}

	acquireTO, err := config.ParseDurationOrDefault("dispatch.acquire_timeout", cfg.Dispatch.AcquireTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	sendTO, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	a.bus = eventbus.New()
	a.sup = dispatch.New(dispatch.Config{
		RatePerSec:     cfg.Dispatch.RatePerSec,
		AcquireTimeout: acquireTO,
		SendTimeout:    sendTO,
	}, a.st, acquire, log.With(logx.String("comp", "dispatch")), a.bus)

	a.pprofSv = pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Prefix:  cfg.Pprof.Prefix,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	handler := api.NewHandler(a.sup, a.st, api.Defaults{
		DelaySeconds:   cfg.Dispatch.DefaultDelaySeconds,
		CredentialFile: cfg.Delivery.CredentialFile,
		Phone:          cfg.Delivery.Phone,
	}, log.With(logx.String("comp", "api")))

	a.addr = strings.TrimSpace(cfg.HTTP.Addr)
	if a.addr == "" {
		a.addr = "127.0.0.1:8080"
	}
	readTO, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTO, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	idleTO, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	a.httpSrv = &http.Server{
		Addr:         a.addr,
		Handler:      handler.Routes(),
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		IdleTimeout:  idleTO,
	}

	return a, nil
}

func buildAcquire(dc config.DeliveryConfig, log logx.Logger) (delivery.AcquireFunc, error) {
	switch strings.ToLower(strings.TrimSpace(dc.Driver)) {
	case "", "sim":
		latency, err := config.ParseDurationField("delivery.sim_latency", dc.SimLatency)
		if err != nil {
			return nil, err
		}
		return sim.Factory(sim.Config{Latency: latency, FailEvery: dc.SimFailEvery}, log), nil
	case "telegram":
		return telegram.Factory(telegram.Config{Offline: dc.Offline}, log), nil
	default:
		return nil, fmt.Errorf("unknown delivery driver %q", dc.Driver)
	}
}

func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}

	a.runSv = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "runtime"))))

	a.sup.Run(a.runSv.Context())

	a.runSv.Go("http", func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- a.httpSrv.Serve(ln) }()
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(sctx)
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	a.runSv.Go("config-watch", a.mgr.Watch)
	a.runSv.Go("config-apply", a.applyLoop)
	a.runSv.Go("events", a.eventLoop)

	if err := a.pprofSv.Start(a.runSv.Context()); err != nil {
		a.log.Warn("pprof start failed", logx.Err(err))
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started", logx.String("addr", a.addr))
	return nil
}

// applyLoop pushes hot-reloadable config fields (log level/sinks, dispatch
// rate cap) into the running services.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.sup.ApplyRate(cfg.Dispatch.RatePerSec)
			a.pprofSv.Reconfigure(ctx, pprof.Config{
				Enabled: cfg.Pprof.Enabled,
				Addr:    cfg.Pprof.Addr,
				Prefix:  cfg.Pprof.Prefix,
				Token:   cfg.Pprof.Token,
			})
			a.log.Info("config applied", logx.Int("rate_per_sec", cfg.Dispatch.RatePerSec))
		}
	}
}

// eventLoop logs dispatch and capability lifecycle events from the bus.
func (a *App) eventLoop(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case dispatch.SessionEvent:
				a.log.Debug("session event",
					logx.String("type", ev.Type),
					logx.String("session", data.ID))
			case dispatch.DeliveryFailure:
				a.log.Debug("delivery failure event",
					logx.String("session", data.ID),
					logx.String("target", data.Target),
					logx.String("cause", data.Err))
			case dispatch.CapabilityState:
				a.log.Info("capability state",
					logx.String("session", data.ID),
					logx.String("state", data.Kind),
					logx.String("reason", data.Reason))
			default:
				a.log.Debug("event", logx.String("type", ev.Type))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Drain live sessions before tearing down the runtime so in-flight steps
	// finish their cursor write-back.
	a.sup.Shutdown(ctx)

	if a.pprofSv != nil {
		a.pprofSv.Stop(ctx)
	}

	var err error
	if a.runSv != nil {
		err = a.runSv.Stop(ctx)
	}
	if a.st != nil {
		if cerr := a.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logSvc.Close()
	return err
}
