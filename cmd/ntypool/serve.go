package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ptolstoi/ntypool/config"
	"github.com/ptolstoi/ntypool/internal/assetserver"
	"github.com/ptolstoi/ntypool/internal/watch"
	"github.com/ptolstoi/ntypool/pool"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("NTYPOOL_CONFIG")
	}
	if path == "" {
		return nil, errors.New("no configuration: pass --config or set NTYPOOL_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func attachConfigured(ctx context.Context, cfg *config.Config) (*pool.GlobalPool, error) {
	p := pool.Instance()
	if _, err := p.AttachAll(ctx, cfg.VolumeSpecs(), cfg.AttachParallelism); err != nil {
		return nil, err
	}
	return p, nil
}

func runServe(args []string, logger *slog.Logger) error {
	var configPath string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "configuration file (default: $NTYPOOL_CONFIG)")
	if done, err := parseFlags(flagSet, args); done {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := attachConfigured(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Terminate()

	app, err := assetserver.NewApp(p, assetserver.Config{
		Address:     cfg.Listen,
		ExportCache: cfg.ExportCache,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Watch {
		watcher, err := watch.New(p, watch.WithLogger(logger), watch.OnChange(func(v *pool.Volume) {
			if err := app.DropExports(v); err != nil {
				logger.Warn("dropping exports failed", "volume", v.Name(), "error", err)
			}
		}))
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error { return app.ListenAndServe(ctx) })

	return g.Wait()
}
