// cmd/seeder/main.go
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/config"
	"github.com/unclebandit/smsleopard-dispatcher/internal/db"
	"github.com/unclebandit/smsleopard-dispatcher/internal/logger"
)

// Usage: seeder [file.sql ...]
// Applies migrations, then each seed file in order.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger.Setup(cfg.Log.Level, "text")

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		logrus.WithError(err).Fatal("failed to migrate database")
	}

	seedFiles := os.Args[1:]
	if len(seedFiles) == 0 {
		seedFiles = []string{"seed/templates.sql", "seed/recipients.sql", "seed/campaigns.sql"}
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			logrus.WithError(err).WithField("file", file).Fatal("failed to read seed file")
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			logrus.WithError(err).WithField("file", file).Fatal("failed to execute seed file")
		}
		logrus.WithField("file", file).Info("seeded")
	}

	logrus.Info("database seeding completed successfully")
}
