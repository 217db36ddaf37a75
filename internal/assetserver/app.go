// Package assetserver serves the assets of a volume pool over HTTP and
// keeps extracted assets in a sqlite export cache.
package assetserver

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ptolstoi/ntypool/pool"
)

// Config configures an App.
type Config struct {
	// Address is what ListenAndServe binds.
	Address string

	// ExportCache is the sqlite database file. Empty disables the cache.
	ExportCache string

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// App is the asset server.
type App struct {
	pool     *pool.GlobalPool
	config   Config
	logger   *slog.Logger
	db       *sql.DB
	router   *httprouter.Router
	gatherer prometheus.Gatherer
}

// NewApp creates a server for p and opens the export cache.
func NewApp(p *pool.GlobalPool, config Config) (*App, error) {
	app := &App{
		pool:     p,
		config:   config,
		logger:   config.Logger,
		gatherer: config.Gatherer,
	}
	if app.logger == nil {
		app.logger = slog.Default()
	}
	app.logger = app.logger.With("component", "assetserver")
	if app.gatherer == nil {
		app.gatherer = prometheus.DefaultGatherer
	}

	if config.ExportCache != "" {
		if err := app.initDB(config.ExportCache); err != nil {
			return nil, err
		}
	}
	app.initHTTP()

	return app, nil
}

// ServeHTTP logs and routes a request.
func (app *App) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	app.logger.Debug("request", "method", req.Method, "url", req.URL.String())

	app.router.ServeHTTP(w, req)
}

// ListenAndServe serves on the configured address until ctx is done and
// then shuts the server down.
func (app *App) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              app.config.Address,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		app.logger.Info("listening", "address", app.config.Address)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close closes the export cache.
func (app *App) Close() error {
	return app.closeDB()
}
