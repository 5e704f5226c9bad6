// Package logging configures the process-wide structured logger, in the
// sirupsen/logrus idiom used by i5heu-ouroboros-db (one shared *logrus.Logger,
// contextual fields attached per call site via WithField/WithFields).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/config"
)

// New builds the root logger for the process from configuration.
func New(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
