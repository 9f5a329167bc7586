// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/app"
	"github.com/unclebandit/smsleopard-dispatcher/internal/config"
	"github.com/unclebandit/smsleopard-dispatcher/internal/db"
	"github.com/unclebandit/smsleopard-dispatcher/internal/logger"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatcher/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		logrus.WithError(err).Fatal("failed to migrate database")
	}

	metrics.InitAPIMetrics()
	metrics.InitQueueMetrics()

	q, closeQueue, err := app.OpenQueue(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open dispatch queue")
	}
	defer closeQueue()

	dedupe, err := app.OpenDeduper(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to redis")
	}

	a := app.New(cfg, conn, q, dedupe)

	// Without a broker there is no worker process, so runs and the
	// scheduler live here.
	if _, inProcess := q.(*queue.InMemoryQueue); inProcess {
		metrics.InitWorkerMetrics()
		if err := q.Subscribe(queue.DispatchTopic, a.Dispatcher.Handler(ctx)); err != nil {
			logrus.WithError(err).Fatal("failed to subscribe dispatcher")
		}
		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server forced to shutdown")
	}
	logrus.Info("server exited")
}
