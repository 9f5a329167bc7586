// internal/app/app.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/unclebandit/smsleopard-dispatcher/internal/cache"
	"github.com/unclebandit/smsleopard-dispatcher/internal/config"
	"github.com/unclebandit/smsleopard-dispatcher/internal/controller"
	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/handler"
	"github.com/unclebandit/smsleopard-dispatcher/internal/middleware"
	"github.com/unclebandit/smsleopard-dispatcher/internal/queue"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
	"github.com/unclebandit/smsleopard-dispatcher/internal/routes"
	"github.com/unclebandit/smsleopard-dispatcher/internal/service"
)

// App holds the wired components shared by the server and the worker.
type App struct {
	Config     *config.Config
	Queue      queue.Queue
	Campaigns  *service.CampaignService
	Dispatcher *service.Dispatcher
	Scheduler  *service.Scheduler
	Reconciler *service.Reconciler
}

// New wires repositories, the gateway and the services around conn and q.
func New(cfg *config.Config, conn *sql.DB, q queue.Queue, dedupe cache.Deduper) *App {
	campaignRepo := &repository.CampaignRepository{DB: conn}
	messageRepo := &repository.MessageRepository{DB: conn}
	templateRepo := &repository.TemplateRepository{DB: conn}
	resolver := &service.RecipientResolver{Repo: &repository.RecipientRepository{DB: conn}}
	provider := gateway.NewProvider(cfg.Gateway, cfg.Tenants)

	machine := &service.StateMachine{
		Campaigns:  campaignRepo,
		StaleAfter: cfg.Dispatch.StaleAfter,
		NewRunID:   uuid.NewString,
	}

	return &App{
		Config: cfg,
		Queue:  q,
		Campaigns: &service.CampaignService{
			CampaignRepo:  campaignRepo,
			MessageRepo:   messageRepo,
			TemplateRepo:  templateRepo,
			Resolver:      resolver,
			Machine:       machine,
			Gateway:       provider,
			Queue:         q,
			SendTimeout:   cfg.Dispatch.SendTimeout,
			DefaultRegion: cfg.Gateway.DefaultRegion,
		},
		Dispatcher: &service.Dispatcher{
			Campaigns:     campaignRepo,
			Messages:      messageRepo,
			Templates:     templateRepo,
			Resolver:      resolver,
			Machine:       machine,
			Gateway:       provider,
			Delay:         cfg.Dispatch.Delay,
			SendTimeout:   cfg.Dispatch.SendTimeout,
			DefaultRegion: cfg.Gateway.DefaultRegion,
		},
		Scheduler: &service.Scheduler{
			Campaigns: campaignRepo,
			Machine:   machine,
			Queue:     q,
			Interval:  cfg.Scheduler.Interval,
			BatchSize: cfg.Scheduler.BatchSize,
		},
		Reconciler: &service.Reconciler{
			Messages:      messageRepo,
			Cache:         dedupe,
			DefaultRegion: cfg.Gateway.DefaultRegion,
		},
	}
}

// Router builds the HTTP API for this app.
func (a *App) Router() http.Handler {
	return routes.SetupRouter(routes.Handlers{
		Campaigns: &controller.CampaignController{CampaignService: a.Campaigns},
		Reads:     handler.NewCampaignHandler(a.Campaigns),
		Deliveries: &handler.DeliveryHandler{
			Reconciler:       a.Reconciler,
			Credentials:      gateway.StaticCredentials(a.Config.Tenants),
			PublicURL:        a.Config.Server.PublicURL,
			VerifySignatures: a.Config.Gateway.VerifySignatures,
		},
		Limiter: middleware.NewRateLimiter(rate.Limit(a.Config.API.RateLimit), a.Config.API.RateBurst),
	})
}

// OpenQueue dials the broker when one is configured and otherwise returns
// the in-process queue. The returned close function is never nil.
func OpenQueue(cfg *config.Config) (queue.Queue, func() error, error) {
	if cfg.AMQP.URL == "" {
		logrus.Warn("amqp.url not set, dispatch jobs run in-process")
		return queue.NewInMemoryQueue(), func() error { return nil }, nil
	}
	q, err := queue.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Concurrency)
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}

// OpenDeduper connects to Redis when an address is configured.
func OpenDeduper(ctx context.Context, cfg *config.Config) (cache.Deduper, error) {
	if cfg.Redis.Addr == "" {
		return cache.NoopDeduper{}, nil
	}
	client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logrus.WithField("addr", cfg.Redis.Addr).Info("delivery callback cache enabled")
	return cache.NewRedisDeduper(client, cfg.Redis.TTL), nil
}
