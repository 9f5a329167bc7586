// internal/gateway/gateway.go
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/config"
	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
)

// SendRequest is one outbound message handed to the upstream gateway.
type SendRequest struct {
	To             string
	Body           string
	TemplateID     string
	CorrelationRef string
}

type SendResult struct {
	GatewayMessageID string
}

// Sender delivers a single message. Implementations must honour ctx.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Provider hands out a sender bound to a tenant's credentials.
type Provider interface {
	SenderFor(tenantID string) (Sender, error)
}

// CredentialStore resolves gateway credentials per tenant.
type CredentialStore interface {
	Credentials(tenantID string) (config.TenantCredentials, bool)
}

// StaticCredentials serves credentials loaded from configuration.
type StaticCredentials map[string]config.TenantCredentials

func (s StaticCredentials) Credentials(tenantID string) (config.TenantCredentials, bool) {
	c, ok := s[tenantID]
	return c, ok && c.AccountSID != "" && c.AuthToken != ""
}

// TwilioProvider caches one REST client per tenant.
type TwilioProvider struct {
	Store             CredentialStore
	StatusCallbackURL string

	mu      sync.Mutex
	senders map[string]*TwilioSender
}

func NewTwilioProvider(store CredentialStore, statusCallbackURL string) *TwilioProvider {
	return &TwilioProvider{
		Store:             store,
		StatusCallbackURL: statusCallbackURL,
		senders:           make(map[string]*TwilioSender),
	}
}

func (p *TwilioProvider) SenderFor(tenantID string) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.senders[tenantID]; ok {
		return s, nil
	}
	creds, ok := p.Store.Credentials(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", appErrors.ErrNoCredentials, tenantID)
	}
	s := NewTwilioSender(creds.AccountSID, creds.AuthToken, creds.FromNumber)
	if p.StatusCallbackURL != "" {
		s.StatusCallback = p.StatusCallbackURL + "?tenant=" + tenantID
	}
	p.senders[tenantID] = s
	logrus.WithField("tenant_id", tenantID).Info("gateway: initialised twilio sender")
	return s, nil
}

// StaticProvider returns the same sender for every tenant.
type StaticProvider struct {
	Sender Sender
}

func (p StaticProvider) SenderFor(string) (Sender, error) {
	return p.Sender, nil
}

// NewProvider builds the provider selected by configuration.
func NewProvider(cfg config.GatewayConfig, tenants map[string]config.TenantCredentials) Provider {
	switch cfg.Provider {
	case "twilio":
		return NewTwilioProvider(StaticCredentials(tenants), cfg.StatusCallbackURL)
	default:
		logrus.WithField("failure_rate", cfg.MockFailureRate).Warn("gateway: using mock sender")
		return StaticProvider{Sender: &MockSender{FailureRate: cfg.MockFailureRate}}
	}
}
