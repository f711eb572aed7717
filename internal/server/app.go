// Package server assembles and runs the session server: it opens storage,
// applies migrations, builds the rotation engine and serves gRPC, HTTP and
// metrics until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/config"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/rest"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/services"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/sessionkeeper/internal/server/grpc"
)

// openPostgres is a seam for tests.
var openPostgres = repomanager.OpenPostgres

type App struct {
	config   *config.Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	sessions *services.SessionService
	closers  []io.Closer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger, err := logging.NewJSONLogger(os.Stdout, c.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := openPostgres(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	app := &App{config: c, logger: logger, metrics: metrics.New(), closers: []io.Closer{db}}

	if err := app.init(ctx, db, repomanager.NewPostgresRepositoryManager()); err != nil {
		app.close()
		return nil, err
	}

	return app, nil
}

func (app *App) init(ctx context.Context, db *sql.DB, m repomanager.RepositoryManager) error {
	c := app.config

	if err := m.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	store, closer, err := newRecordStore(ctx, c, db)
	if err != nil {
		return err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessKey:  []byte(c.AccessSecretKey),
		RefreshKey: []byte(c.RefreshSecretKey),
		AccessTTL:  c.AccessTokenValidityDuration,
		RefreshTTL: c.RefreshTokenValidityDuration,
		Issuer:     c.Issuer,
	})
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}

	users := services.NewUserService(db, m)
	engine := services.NewRotationEngine(codec, store, users, services.RotationConfig{
		Policy:        services.ReplayPolicy(c.ReplayPolicy),
		MaxChainDepth: c.MaxChainDepth,
		Logger:        app.logger,
		Metrics:       app.metrics,
	})
	app.sessions = services.NewSessionService(engine, codec, users, c.OperationTimeout, app.logger, app.metrics)

	app.logger.Info(ctx, "storage ready", "backend", c.StoreBackend, "replay_policy", c.ReplayPolicy)
	return nil
}

// newRecordStore builds the refresh record store for the configured backend.
// The returned closer, if any, releases backend resources.
func newRecordStore(ctx context.Context, c *config.Config, db *sql.DB) (services.RecordStore, io.Closer, error) {
	switch c.StoreBackend {
	case config.BackendPostgres:
		return refreshtokens.NewPostgresStore(db), nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis init error: %w", err)
		}
		return refreshtokens.NewRedisStore(client, ""), client, nil
	case config.BackendMemory:
		return refreshtokens.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves every endpoint until ctx is cancelled, a signal arrives or one
// of the servers fails.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.close()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.sessions).Run(ctx)
	})
	g.Go(func() error {
		return rest.NewServer(rest.Config{
			Addr:         app.config.EndpointAddrHTTP,
			CookieSecure: app.config.CookieSecure,
			RefreshTTL:   app.config.RefreshTokenValidityDuration,
		}, app.sessions, app.logger).Run(ctx)
	})
	g.Go(func() error {
		return metrics.NewServer(app.config.MetricsAddr, app.metrics, app.logger).Run(ctx)
	})

	err := g.Wait()
	if err != nil {
		app.logger.Error(ctx, "server stopped", "error", err.Error())
	}
	app.logger.Info(ctx, "App stopped")
	return err
}

func (app *App) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		_ = app.closers[i].Close()
	}
	app.closers = nil
}
