// internal/handler/delivery_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"

	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/service"
)

// DeliveryHandler receives gateway status callbacks. Callbacks are not
// tenant scoped: the gateway does not know our tenant header.
type DeliveryHandler struct {
	Reconciler *service.Reconciler
	// Credentials and PublicURL are only needed when VerifySignatures is set.
	Credentials      gateway.CredentialStore
	PublicURL        string
	VerifySignatures bool
}

type deliveryPayload struct {
	RecipientAddress string `json:"recipient_address"`
	Mobile           string `json:"mobile"`
	Status           string `json:"status"`
	CorrelationRef   string `json:"correlation_ref"`
	TransactionID    string `json:"transaction_id"`
	GatewayMessageID string `json:"gateway_message_id"`
	Reason           string `json:"reason"`
	CampaignID       *int   `json:"campaign_id"`
	Timestamp        string `json:"timestamp"`
}

func (p deliveryPayload) report() service.DeliveryReport {
	phone := p.RecipientAddress
	if phone == "" {
		phone = p.Mobile
	}
	ref := p.CorrelationRef
	if ref == "" {
		ref = p.TransactionID
	}
	report := service.DeliveryReport{
		Phone:            phone,
		Status:           p.Status,
		CorrelationRef:   ref,
		GatewayMessageID: p.GatewayMessageID,
		Reason:           p.Reason,
		CampaignID:       p.CampaignID,
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		report.Timestamp = ts
	}
	return report
}

// DeliveryWebhook accepts the generic JSON delivery report.
func (h *DeliveryHandler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var body deliveryPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed delivery report"})
		return
	}
	h.reconcile(w, r, body.report())
}

// TwilioStatusWebhook accepts Twilio's form encoded status callback.
func (h *DeliveryHandler) TwilioStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed form body"})
		return
	}
	if h.VerifySignatures && !h.validSignature(r) {
		httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	report := service.DeliveryReport{
		Phone:            r.PostForm.Get("To"),
		Status:           mapTwilioStatus(r.PostForm.Get("MessageStatus")),
		GatewayMessageID: r.PostForm.Get("MessageSid"),
	}
	if code := r.PostForm.Get("ErrorCode"); code != "" {
		report.Reason = "twilio error " + code
	}
	h.reconcile(w, r, report)
}

func (h *DeliveryHandler) reconcile(w http.ResponseWriter, r *http.Request, report service.DeliveryReport) {
	outcome, err := h.Reconciler.Apply(r.Context(), report)
	if err != nil {
		logrus.WithError(err).WithField("gateway_message_id", report.GatewayMessageID).Error("failed to apply delivery report")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

func (h *DeliveryHandler) validSignature(r *http.Request) bool {
	creds, ok := h.Credentials.Credentials(r.URL.Query().Get("tenant"))
	if !ok {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	validator := client.NewRequestValidator(creds.AuthToken)
	return validator.Validate(strings.TrimRight(h.PublicURL, "/")+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature"))
}

// mapTwilioStatus folds Twilio's message states onto ours. Unknown states
// pass through and are ignored by the reconciler.
func mapTwilioStatus(s string) string {
	switch strings.ToLower(s) {
	case "queued", "accepted", "sending", "scheduled":
		return model.MessagePending
	case "sent":
		return model.MessageSent
	case "delivered", "read":
		return model.MessageDelivered
	case "failed", "undelivered", "canceled":
		return model.MessageFailed
	}
	return s
}
