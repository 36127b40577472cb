package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-webdav"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/httpkit"
)

// ClientSource hands out an authorized HTTP client for a conversation.
// The auth gate implements it with the conversation's OAuth token.
type ClientSource interface {
	HTTPClient(ctx context.Context, conversationID string) (*http.Client, error)
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string
	Location     *time.Location
}

// Provider resolves the calendar Service to use for a conversation.
type Provider struct {
	cfg     ProviderConfig
	clients ClientSource // nil: static basic-auth credentials
	logger  *slog.Logger

	mu     sync.Mutex
	static Service
}

// NewProvider creates a Provider. When clients is nil every conversation
// shares one service authenticated with cfg.Username/cfg.Password.
func NewProvider(cfg ProviderConfig, clients ClientSource, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, clients: clients, logger: logger}
}

// ServiceFor returns the calendar for conversationID. It fails with
// ErrNotConfigured when no server URL is set, and with the client
// source's error when the conversation has no credential yet.
func (p *Provider) ServiceFor(ctx context.Context, conversationID string) (Service, error) {
	if p == nil || p.cfg.URL == "" {
		return nil, ErrNotConfigured
	}

	if p.clients == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.static != nil {
			return p.static, nil
		}
		var hc webdav.HTTPClient = httpkit.NewClient()
		if p.cfg.Username != "" {
			hc = webdav.HTTPClientWithBasicAuth(hc, p.cfg.Username, p.cfg.Password)
		}
		svc, err := NewCalDAV(hc, p.cfg.URL, p.cfg.CalendarPath, p.cfg.Location, p.logger)
		if err != nil {
			return nil, err
		}
		p.static = svc
		return svc, nil
	}

	hc, err := p.clients.HTTPClient(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("calendar credentials: %w", err)
	}
	return NewCalDAV(hc, p.cfg.URL, p.cfg.CalendarPath, p.cfg.Location, p.logger)
}
