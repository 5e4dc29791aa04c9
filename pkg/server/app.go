package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RegimeTrader/internal/service/session"
	"RegimeTrader/internal/services/telemetry"
	"RegimeTrader/internal/usecase"
	pkgcache "RegimeTrader/pkg/cache"
	pkgch "RegimeTrader/pkg/clickhouse"
	"RegimeTrader/pkg/config"
	xhttp "RegimeTrader/pkg/http"
	pkgkafka "RegimeTrader/pkg/kafka"
	applogger "RegimeTrader/pkg/logger"
)

// Ingest is whatever must run in the background to keep the market data
// feed fresh. Pull sources leave every field nil.
type Ingest struct {
	Source    string
	Consumer  *pkgkafka.Consumer
	Handler   pkgkafka.MessageHandler
	Collector *usecase.TradeCollector
}

// Deps are the components the App owns. Nil fields are not configured.
type Deps struct {
	Logger     *applogger.Logger
	Lease      *session.Lease
	Ingest     *Ingest
	Loop       *usecase.DecisionLoop
	Emitter    *telemetry.Emitter
	Backup     *telemetry.SQLiteBackup
	Replayer   *telemetry.Replayer
	HTTP       *xhttp.Server
	Producer   *pkgkafka.Producer
	Store      pkgcache.Service
	ClickHouse *pkgch.Client
}

// App encapsulates the lifecycle of one account session.
type App struct {
	cfg *config.Config
	Deps
	log *applogger.Logger

	mu       sync.Mutex
	leaseErr error
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, deps Deps) *App {
	l := deps.Logger
	if l == nil {
		l = applogger.NewNop()
	}
	return &App{cfg: cfg, Deps: deps, log: l.With(applogger.String("account", cfg.Account))}
}

// Run acquires the account session, starts the background services and runs
// the decision loop until ctx ends, the lease is lost or the venue breaker
// trips. Everything started is stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Lease.Acquire(ctx); err != nil {
		return err
	}
	a.Lease.Keep(ctx, func(err error) {
		a.mu.Lock()
		a.leaseErr = err
		a.mu.Unlock()
		cancel()
	})

	err := a.start(ctx)
	if err == nil {
		a.log.Info("decision loop starting",
			applogger.String("environment", a.cfg.Environment),
			applogger.String("source", a.cfg.MarketData.Source),
			applogger.Bool("trading", a.cfg.Trading.EnableTrading),
		)
		err = a.Loop.Run(ctx)
	}

	a.shutdown()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil && a.leaseErr != nil {
		return fmt.Errorf("account %s: %w", a.cfg.Account, a.leaseErr)
	}
	return err
}

func (a *App) start(ctx context.Context) error {
	if in := a.Ingest; in != nil {
		if in.Consumer != nil && in.Handler != nil {
			in.Consumer.RegisterHandler(in.Handler)
			if err := in.Consumer.Start(); err != nil {
				return fmt.Errorf("start kafka consumer: %w", err)
			}
			a.log.Info("kafka consumer started", applogger.String("topic", in.Handler.Topic()))
		}
		if in.Collector != nil {
			if err := in.Collector.Start(ctx); err != nil {
				return fmt.Errorf("start trade stream: %w", err)
			}
			a.log.Info("trade stream started", applogger.Strings("symbols", a.cfg.ActiveAccount().Symbols))
		}
	}

	if a.Emitter != nil {
		a.Emitter.Start()
	}
	if a.Replayer != nil {
		if err := a.Replayer.Schedule(ctx, a.cfg.CollectionServer.Backup.ReplaySchedule); err != nil {
			return err
		}
		a.Replayer.Start(ctx)
	}

	if a.HTTP != nil {
		if err := a.HTTP.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}
	return nil
}

// shutdown stops services in reverse dependency order. The loop has already
// returned, so no new events or orders are produced.
func (a *App) shutdown() {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.log.Info("shutting down")

	if a.HTTP != nil {
		if err := a.HTTP.Stop(ctx); err != nil {
			a.log.Warn("http shutdown error", applogger.Error(err))
		}
	}
	if in := a.Ingest; in != nil {
		if in.Collector != nil {
			if err := in.Collector.Shutdown(ctx); err != nil {
				a.log.Warn("trade stream stop error", applogger.Error(err))
			}
		}
		if in.Consumer != nil {
			if err := in.Consumer.Stop(ctx); err != nil {
				a.log.Warn("kafka consumer stop error", applogger.Error(err))
			}
		}
	}
	if a.Replayer != nil {
		a.Replayer.Stop()
	}
	if a.Emitter != nil {
		if err := a.Emitter.Close(ctx); err != nil {
			a.log.Warn("telemetry flush incomplete", applogger.Error(err))
		}
	}
	if a.Backup != nil {
		if err := a.Backup.Close(); err != nil {
			a.log.Warn("telemetry backup close error", applogger.Error(err))
		}
	}

	// error logs may still be forwarded through the producer
	a.log.RemoveCollector()

	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if err := a.Lease.Release(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("session lease release error", applogger.Error(err))
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.log.Warn("session store close error", applogger.Error(err))
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	a.log.Info("shutdown complete")
}
