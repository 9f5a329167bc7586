// cmd/worker/main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/app"
	"github.com/unclebandit/smsleopard-dispatcher/internal/cache"
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

	if cfg.AMQP.URL == "" {
		logrus.Fatal("worker requires amqp.url; without a broker the server dispatches in-process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	metrics.InitWorkerMetrics()
	metrics.InitQueueMetrics()

	q, err := queue.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Concurrency)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to rabbitmq")
	}

	// The worker never handles delivery callbacks.
	a := app.New(cfg, conn, q, cache.NoopDeduper{})

	if err := q.Subscribe(queue.DispatchTopic, a.Dispatcher.Handler(ctx)); err != nil {
		logrus.WithError(err).Fatal("failed to register consumer")
	}
	a.Scheduler.Start(ctx)

	logrus.Info("worker running, waiting for dispatch jobs")
	<-ctx.Done()

	logrus.Info("shutting down worker, in-flight runs stay sending")
	a.Scheduler.Stop()
	if err := q.Close(); err != nil {
		logrus.WithError(err).Warn("closing rabbitmq connection")
	}
	logrus.Info("worker exited")
}
