package config

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the service logger.  An unknown level falls back to
// info.
func NewLogger(cfg LoggingConfig, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	return logger
}
