package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"docbatch/internal/api"
	"docbatch/internal/artifact"
	"docbatch/internal/config"
	"docbatch/internal/document"
	fileutil "docbatch/internal/file"
	"docbatch/internal/parser"
	"docbatch/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxJanitorPeriod  = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, dir := range []string{cfg.DataDir, cfg.InputDir, cfg.CacheDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pdfParser := buildParser(cfg)
	taskManager := buildTaskManager(cfg, store, pdfParser)
	docs := document.NewStore(cfg.InputDir, cfg.CacheDir, filepath.Join(cfg.DataDir, "thumbnails"))

	router := setupRouter()
	api.NewAPI(taskManager, docs, pdfParser).RegisterRoutes(router)

	baseCtx, baseCancel := context.WithCancel(ctx)
	defer baseCancel()
	taskManager.SetBaseContext(baseCtx)
	taskManager.StartJanitor(baseCtx, janitorInterval(cfg.Retention))

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		baseCancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-waitForShutdownSignal(ctx):
	}

	gracefulShutdown(srv, baseCancel, taskManager, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

// buildStore opens the configured task store. The returned func releases it.
func buildStore(ctx context.Context, c config.Config) (task.TaskStore, func(), error) {
	noop := func() {}
	var (
		store task.TaskStore
		err   error
	)
	switch c.Store.Driver {
	case config.DriverMemory:
		return nil, noop, nil
	case config.DriverFile:
		return task.NewFileStore(c.DataDir), noop, nil
	case config.DriverRedis:
		store, err = task.NewRedisStore(task.RedisConfig{
			Addr:     c.Store.RedisAddr,
			Password: c.Store.RedisPassword,
			DB:       c.Store.RedisDB,
		})
	case config.DriverSQLite:
		store, err = task.NewSQLStore(ctx, "sqlite3", c.Store.DSN)
	case config.DriverPostgres:
		store, err = task.NewSQLStore(ctx, "postgres", c.Store.DSN)
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if err != nil {
		return nil, noop, fmt.Errorf("open %s store: %w", c.Store.Driver, err)
	}
	closeFn := noop
	if closer, ok := store.(io.Closer); ok {
		closeFn = func() {
			if err := closer.Close(); err != nil {
				log.Warn().Err(err).Msg("close task store")
			}
		}
	}
	return store, closeFn, nil
}

func buildParser(c config.Config) *parser.Parser {
	return parser.New(parser.Options{
		CacheDir:    c.CacheDir,
		SearchTerms: c.Parser.SearchTerms,
		MaxDistance: c.Parser.MaxDistance,
		Extractor:   parser.NewFitzExtractor(c.Parser.OCR, c.Parser.Languages),
	})
}

func buildTaskManager(c config.Config, store task.TaskStore, p task.Parser) *task.Manager {
	tm := task.NewManagerWithOptions(task.Options{
		DataDir:            c.DataDir,
		InputDir:           c.InputDir,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		MaxPendingTasks:    c.MaxPendingTasks,
		FileConcurrency:    c.FileConcurrency,
		Retention:          c.Retention,
		Store:              store,
		Parser:             p,
		Artifacts:          artifact.NewGenerator(filepath.Join(c.DataDir, "artifacts")),
	})

	if err := tm.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("restore tasks failed")
	}
	return tm
}

func janitorInterval(retention time.Duration) time.Duration {
	if d := retention / 4; d > 0 && d < maxJanitorPeriod {
		return d
	}
	return maxJanitorPeriod
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(quit)
		select {
		case <-quit:
			log.Info().Msg("shutdown signal received")
		case <-ctx.Done():
		}
	}()
	return done
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := tm.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
