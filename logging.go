package main

import (
	log "github.com/sirupsen/logrus"

	"tasksync/config"
)

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	// packages that log through the standard logger follow the same settings
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)
	return logger
}
