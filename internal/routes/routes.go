// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/smsleopard-dispatcher/internal/controller"
	"github.com/unclebandit/smsleopard-dispatcher/internal/handler"
	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
	"github.com/unclebandit/smsleopard-dispatcher/internal/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Campaigns  *controller.CampaignController
	Reads      *handler.CampaignHandler
	Deliveries *handler.DeliveryHandler
	Limiter    *middleware.RateLimiter
}

// SetupRouter sets up the router
func SetupRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Gateway callbacks carry no tenant header.
	r.Post("/webhooks/delivery", h.Deliveries.DeliveryWebhook)
	r.Post("/webhooks/twilio/status", h.Deliveries.TwilioStatusWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireTenant)
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}

		r.Post("/campaigns", h.Campaigns.CreateCampaign)
		r.Get("/campaigns", h.Campaigns.ListCampaigns)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", h.Reads.GetCampaignHandlerWithStats)
			r.Get("/messages", h.Reads.ListMessagesHandler)
			r.Put("/mapping", h.Campaigns.SetMapping)
			r.Put("/template", h.Campaigns.ChangeTemplate)
			r.Post("/schedule", h.Campaigns.ScheduleCampaign)
			r.Post("/send", h.Campaigns.SendCampaign)
			r.Post("/retry", h.Campaigns.RetryFailed)
			r.Post("/resend", h.Campaigns.ResendAll)
			r.Post("/personalized-preview", h.Campaigns.PersonalizedPreview)
		})
		r.Post("/messages", h.Campaigns.SendSingle)
	})

	return r
}
