package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	whttp "walstore/internal/http"
	"walstore/pkg/metrics"
	"walstore/pkg/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "open a store and serve it over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "walstore.yaml",
				Usage:   "YAML config file; defaults apply when it does not exist",
				EnvVars: []string{"WALSTORE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := initConfig(c.String("config"))
			if err != nil {
				return err
			}
			logger, err := initLogger(&cfg)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			opts := cfg.Store.Options()
			opts.Logger = logger
			opts.Metrics = metrics.New(reg)

			path := cfg.Store.OpenPath()
			if path != "" {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return errors.Wrap(err, "create data directory")
				}
			}
			st, err := store.Open(path, opts)
			if err != nil {
				return errors.Wrap(err, "open store")
			}

			server := whttp.NewServer(st, whttp.Options{
				Addr:              cfg.Server.Addr,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeoutDuration(),
				ShutdownTimeout:   cfg.Server.ShutdownTimeoutDuration(),
				Logger:            logger,
				Gatherer:          reg,
			})
			if err := server.Start(); err != nil {
				_ = st.Close()
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			logger.WithField("action", "serve_stop").Info("shutting down")

			var result *multierror.Error
			if err := server.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
			if err := st.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close store"))
			}
			if err := result.ErrorOrNil(); err != nil {
				return err
			}

			logger.WithFields(logrus.Fields{"action": "serve_stop", "file": path}).Info("walstore stopped")
			return nil
		},
	}
}
