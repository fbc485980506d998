package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"walstore/pkg/config"
)

// initConfig loads the YAML config. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

// initLogger builds the logger of a serve run from the config file.
func initLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger, err := cfg.Logger.NewLogger()
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"action": "logger_init",
		"level":  cfg.Logger.Level,
		"json":   cfg.Logger.JSON,
	}).Info("logger initialized")
	return logger, nil
}

// cliLogger builds the logger of one-shot commands from the global flags.
func cliLogger(c *cli.Context) (*logrus.Logger, error) {
	return config.LoggerConfig{
		Level: c.String("log-level"),
		JSON:  c.Bool("log-json"),
	}.NewLogger()
}
