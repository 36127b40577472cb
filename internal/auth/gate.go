// Package auth guards conversations behind an OAuth authorization-code
// flow. The user opens a consent link, pastes the code back into the
// chat, and the resulting token authorizes calendar access for that
// conversation.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/httpkit"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
)

// OutOfBandRedirect is the copy-paste redirect used when no callback URL
// is configured.
const OutOfBandRedirect = "urn:ietf:wg:oauth:2.0:oob"

// minCodeLength filters out chat text that cannot be an authorization
// code.
const minCodeLength = 10

// ErrNotAuthorized is returned when a conversation has no usable
// credential.
var ErrNotAuthorized = errors.New("conversation not authorized")

// Replies sent while the gate holds a conversation.
const (
	ReplyCodeTooShort = "That doesn't look like an authorization code. Please copy the code from the link."
	ReplyAuthorized   = "Success! I am now connected to your calendar.\n\nYou can ask me to schedule things now!"
	ReplyExchangeFail = "Authorization failed. The code might be expired.\nPlease click the link and try again:\n%s"
	replyActionNeeded = "Action Required\n\nTo manage your calendar, I need your permission.\n\n" +
		"1. Open this link:\n%s\n\n2. Log in and copy the code.\n3. Paste the code here."
)

// StateStore persists the per-conversation authorization state.
// Implemented by [memory.Store].
type StateStore interface {
	AuthState(ctx context.Context, id string) (memory.AuthState, error)
	SetAuthState(ctx context.Context, id string, state memory.AuthState) error
}

// Config configures a Gate.
type Config struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// Decision tells the caller what to do with an inbound message.
type Decision struct {
	// Proceed means the message should run as a normal turn.
	Proceed bool
	// Reply is sent back instead of running a turn.
	Reply string
	// AuthURL is the consent link, set while a code is awaited.
	AuthURL string
}

// Gate owns every authorization state transition.
type Gate struct {
	enabled bool
	oauth   *oauth2.Config
	store   StateStore
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time

	// saveMu serializes token refresh writes.
	saveMu sync.Mutex
}

// NewGate creates a Gate. A disabled gate lets every message through.
func NewGate(cfg Config, store StateStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = OutOfBandRedirect
	}
	return &Gate{
		enabled: cfg.Enabled,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			RedirectURL:  redirect,
			Scopes:       cfg.Scopes,
		},
		store:  store,
		http:   httpkit.NewClient(),
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
}

// Enabled reports whether the gate checks messages at all.
func (g *Gate) Enabled() bool { return g != nil && g.enabled }

// Check decides whether text may run as a turn for conversationID,
// advancing the conversation's authorization state as needed.
func (g *Gate) Check(ctx context.Context, conversationID, text string) (Decision, error) {
	if !g.Enabled() {
		return Decision{Proceed: true}, nil
	}

	state, err := g.store.AuthState(ctx, conversationID)
	if err != nil {
		return Decision{}, err
	}

	switch state.Phase {
	case memory.AuthAuthenticated:
		return Decision{Proceed: true}, nil

	case memory.AuthAwaitingCode:
		authURL := g.authCodeURL(conversationID, state.Nonce)
		code := strings.TrimSpace(text)
		if len(code) < minCodeLength {
			return Decision{Reply: ReplyCodeTooShort, AuthURL: authURL}, nil
		}
		if err := g.exchange(ctx, conversationID, code); err != nil {
			g.logger.Warn("code exchange failed", "conversation", conversationID, "error", err)
			return Decision{Reply: fmt.Sprintf(ReplyExchangeFail, authURL), AuthURL: authURL}, nil
		}
		return Decision{Reply: ReplyAuthorized}, nil

	default:
		nonce := uuid.NewString()
		if err := g.store.SetAuthState(ctx, conversationID, memory.AuthState{
			Phase:     memory.AuthAwaitingCode,
			Nonce:     nonce,
			UpdatedAt: g.now(),
		}); err != nil {
			return Decision{}, err
		}
		authURL := g.authCodeURL(conversationID, nonce)
		g.logger.Info("authorization requested", "conversation", conversationID)
		return Decision{Reply: fmt.Sprintf(replyActionNeeded, authURL), AuthURL: authURL}, nil
	}
}

// PendingURL returns the consent link for a conversation that is
// waiting for a code, or "" otherwise.
func (g *Gate) PendingURL(ctx context.Context, conversationID string) (string, error) {
	if !g.Enabled() {
		return "", nil
	}
	state, err := g.store.AuthState(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if state.Phase != memory.AuthAwaitingCode {
		return "", nil
	}
	return g.authCodeURL(conversationID, state.Nonce), nil
}

// Callback completes the flow from a browser redirect. stateParam is
// the OAuth state echoed by the provider.
func (g *Gate) Callback(ctx context.Context, stateParam, code string) (string, error) {
	if !g.Enabled() {
		return "", fmt.Errorf("authorization disabled")
	}
	conversationID, nonce, err := parseState(stateParam)
	if err != nil {
		return "", err
	}
	state, err := g.store.AuthState(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if state.Phase != memory.AuthAwaitingCode || state.Nonce != nonce {
		return "", fmt.Errorf("no authorization pending for this link")
	}
	if err := g.exchange(ctx, conversationID, code); err != nil {
		return "", err
	}
	return conversationID, nil
}

// HTTPClient returns a client that sends the conversation's token and
// refreshes it when it expires. Refreshed tokens are saved back.
func (g *Gate) HTTPClient(ctx context.Context, conversationID string) (*http.Client, error) {
	state, err := g.store.AuthState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Phase != memory.AuthAuthenticated || len(state.Credential) == 0 {
		return nil, ErrNotAuthorized
	}
	var tok oauth2.Token
	if err := json.Unmarshal(state.Credential, &tok); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}

	// The token source outlives this call's context.
	base := context.WithValue(context.Background(), oauth2.HTTPClient, g.http)
	src := &savingTokenSource{
		base:   g.oauth.TokenSource(base, &tok),
		last:   tok.AccessToken,
		save:   func(t *oauth2.Token) { g.saveToken(conversationID, t) },
		logger: g.logger,
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(&tok, src), Base: httpkit.WrapTransport(httpkit.NewTransport())},
		Timeout:   g.http.Timeout,
	}, nil
}

func (g *Gate) exchange(ctx context.Context, conversationID, code string) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.http)
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	cred, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := g.store.SetAuthState(ctx, conversationID, memory.AuthState{
		Phase:      memory.AuthAuthenticated,
		Credential: cred,
		UpdatedAt:  g.now(),
	}); err != nil {
		return err
	}
	g.logger.Info("conversation authorized", "conversation", conversationID)
	return nil
}

func (g *Gate) saveToken(conversationID string, tok *oauth2.Token) {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	cred, err := json.Marshal(tok)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.SetAuthState(ctx, conversationID, memory.AuthState{
		Phase:      memory.AuthAuthenticated,
		Credential: cred,
		UpdatedAt:  g.now(),
	}); err != nil {
		g.logger.Warn("failed to save refreshed token", "conversation", conversationID, "error", err)
	}
}

func (g *Gate) authCodeURL(conversationID, nonce string) string {
	return g.oauth.AuthCodeURL(encodeState(conversationID, nonce), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// encodeState binds the nonce to the conversation so a browser callback
// can find its way back.
func encodeState(conversationID, nonce string) string {
	return nonce + "." + base64.RawURLEncoding.EncodeToString([]byte(conversationID))
}

func parseState(s string) (conversationID, nonce string, err error) {
	nonce, enc, ok := strings.Cut(s, ".")
	if !ok || nonce == "" {
		return "", "", fmt.Errorf("malformed state")
	}
	id, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(id) == 0 {
		return "", "", fmt.Errorf("malformed state")
	}
	return string(id), nonce, nil
}

// savingTokenSource calls save whenever the underlying source hands out
// a new access token.
type savingTokenSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token)
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		s.logger.Debug("access token refreshed")
		s.save(tok)
	}
	return tok, nil
}
