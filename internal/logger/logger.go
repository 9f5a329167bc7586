// internal/logger/logger.go
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the process-wide logrus logger.
func Setup(level, format string) {
	logrus.SetOutput(os.Stdout)

	if format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("level", level).Warn("unknown log level, defaulting to info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
