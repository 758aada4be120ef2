// Package app wires the harmonization engine into the harmonyd daemon:
// storage, chronicle, orchestrator, scheduler, retention and the gRPC
// trigger endpoint.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/harmony/internal/chronicle"
	"github.com/dmitrijs2005/harmony/internal/chronicle/archive"
	"github.com/dmitrijs2005/harmony/internal/config"
	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/cryptox"
	"github.com/dmitrijs2005/harmony/internal/delta"
	"github.com/dmitrijs2005/harmony/internal/harmonize"
	"github.com/dmitrijs2005/harmony/internal/kinds"
	"github.com/dmitrijs2005/harmony/internal/lease"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/reconcile"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
	"github.com/dmitrijs2005/harmony/internal/scheduler"
	"github.com/dmitrijs2005/harmony/internal/server/services"
	"github.com/dmitrijs2005/harmony/internal/store"
	"github.com/dmitrijs2005/harmony/internal/transport/jmap"

	gs "github.com/dmitrijs2005/harmony/internal/server/grpc"
)

// trimInterval is how often the chronicle retention pass runs.
const trimInterval = time.Hour

type App struct {
	config       *config.Config
	logger       logging.Logger
	store        *store.Store
	chronicle    *chronicle.Log
	orchestrator *harmonize.Orchestrator
	scheduler    *scheduler.Scheduler
	accounts     *services.AccountService
}

// NewApp opens and migrates the database and builds every component.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	sealer, err := cryptox.NewSealer(c.SealKey)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, c.DatabaseDriver, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	repos := repomanager.NewSQLRepositoryManager(st.Dialect)

	var opts []chronicle.Option
	if c.S3Bucket != "" {
		a, err := archive.NewS3Archiver(archive.Config{
			Region:       c.S3Region,
			Endpoint:     c.S3Endpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
			Bucket:       c.S3Bucket,
			UsePathStyle: c.S3Endpoint != "",
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		opts = append(opts, chronicle.WithArchiver(a))
	}

	log := chronicle.NewLog(st.DB, repos, logger, opts...)
	cs := correlation.NewStore(st.DB, repos, log, logger)
	registry := kinds.Default()

	orch, err := harmonize.New(
		cs,
		lease.NewLocker(st.DB, repos, nil, logger),
		jmap.NewDialer(sealer),
		delta.NewDetector(cs, registry, c.TransportTimeout, logger),
		reconcile.New(cs, log, registry, logger, reconcile.WithTimeout(c.TransportTimeout)),
		harmonize.Config{
			Holder:            holderPrefix(),
			LeaseTimeout:      c.LeaseTimeout,
			HeartbeatInterval: c.HeartbeatInterval,
			TransportTimeout:  c.TransportTimeout,
			MaxParallel:       c.MaxParallelCollections,
		},
		logger,
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		config:       c,
		logger:       logger,
		store:        st,
		chronicle:    log,
		orchestrator: orch,
		scheduler:    scheduler.New(cs, orch, c.HarmonizeInterval, c.MaxParallelAccounts, logger),
		accounts:     services.NewAccountService(st.DB, repos, sealer, c.LeaseTimeout, logger),
	}, nil
}

func holderPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("harmonyd@%s:%d", host, os.Getpid())
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.GRPCAddr, app.logger, app.orchestrator, app.accounts, app.config.SecretKey)
	if err := s.ListenAndServe(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startRetention(ctx context.Context) {
	if app.config.ChronicleRetention <= 0 {
		return
	}

	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()

	for {
		app.trim(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (app *App) trim(ctx context.Context) {
	cutoff := time.Now().Add(-app.config.ChronicleRetention)
	if _, err := app.chronicle.Trim(ctx, cutoff); err != nil && ctx.Err() == nil {
		app.logger.Error(ctx, "chronicle trim failed", "error", err)
	}
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// waits for in-flight cycles and closes the database.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		app.startRetention(ctx)
	}()

	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, "closing store", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
