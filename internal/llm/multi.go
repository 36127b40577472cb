package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient sends each model to the provider configured for it and
// everything else to a fallback provider. It is configured once at
// startup and safe for concurrent use afterwards.
type MultiClient struct {
	providers map[string]Client
	routes    map[string]string // model -> provider
	fallback  Client
}

// NewMultiClient creates a router. fallback serves models with no
// route and may be nil.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers client under a provider name such as "openai".
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes modelName to a registered provider. A route to an
// unknown provider falls back at call time.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.routes[modelName] = providerName
}

// Provider returns the provider name that will serve model, or
// "fallback".
func (m *MultiClient) Provider(model string) string {
	if name, ok := m.routes[model]; ok {
		if _, ok := m.providers[name]; ok {
			return name
		}
	}
	return "fallback"
}

func (m *MultiClient) resolve(model string) Client {
	if c, ok := m.providers[m.Provider(model)]; ok {
		return c
	}
	return m.fallback
}

// Chat forwards to the provider serving model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c := m.resolve(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks every distinct provider once and reports all failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.providers) == 0 {
		return errors.New("no provider configured")
	}

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	pinged := map[Client]bool{}
	if m.fallback != nil {
		pinged[m.fallback] = true
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback provider: %w", err))
		}
	}
	for _, name := range names {
		c := m.providers[name]
		if pinged[c] {
			continue
		}
		pinged[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
