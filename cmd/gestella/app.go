package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/agent"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/auth"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/calendar"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/config"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/embeddings"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/facts"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/meeting"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/persona"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/tools"
)

// app holds the components shared by serve and ask.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	client llm.Client
	store  memory.Store
	facts  *facts.Store
	gate   *auth.Gate
	loop   *agent.Loop

	closers []func() error
}

// buildApp wires the agent from cfg. When inMemory is set the
// conversation store lives only as long as the process.
func buildApp(cfg *config.Config, logger *slog.Logger, inMemory bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.client = createLLMClient(cfg, logger)

	var err error
	if inMemory {
		a.store = memory.NewMemStore()
	} else if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var embedder embeddings.Embedder
	if cfg.Embeddings.Enabled {
		embedder = createEmbedder(cfg)
		logger.Info("embeddings enabled", "provider", cfg.Embeddings.Provider, "model", cfg.Embeddings.Model)
	}
	a.facts, err = facts.NewStore(filepath.Join(cfg.DataDir, "memories.db"), embedder, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.closers = append(a.closers, a.facts.Close)

	a.gate = auth.NewGate(auth.Config{
		Enabled:      cfg.Auth.Enabled,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		AuthURL:      cfg.Auth.AuthURL,
		TokenURL:     cfg.Auth.TokenURL,
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       cfg.Auth.Scopes,
	}, a.store, logger)

	registry := tools.NewRegistry(cfg.Agent.ToolTimeout(), logger)
	if err := a.registerTools(registry); err != nil {
		a.Close()
		return nil, err
	}

	injector := persona.NewInjector(persona.Config{
		AssistantName: cfg.Persona.AssistantName,
		PrincipalName: cfg.Persona.PrincipalName,
		Location:      cfg.Persona.Location,
		Timezone:      cfg.Location(),
		Personality:   cfg.Persona.Personality,
		Language:      cfg.Persona.Language,
		Calendar:      registry.Get("add_calendar_event") != nil,
		ExtraRules:    cfg.Persona.ExtraRules,
	})

	a.loop = agent.NewLoop(agent.Config{
		Model:        cfg.Models.Default,
		MaxSteps:     cfg.Agent.MaxSteps,
		ModelRetries: cfg.Agent.Retries(),
		RetryBackoff: cfg.Agent.RetryBackoff(),
	}, a.store, a.client, registry, injector, logger)

	if rec, ok := a.store.(memory.ToolCallRecorder); ok {
		a.loop.SetAudit(rec)
	}
	return a, nil
}

func (a *app) registerTools(r *tools.Registry) error {
	if err := tools.RegisterMemoryTools(r, a.facts, tools.MemorySettings{
		MatchThreshold: a.cfg.Memory.MatchThreshold,
		MatchCount:     a.cfg.Memory.MatchCount,
	}); err != nil {
		return fmt.Errorf("register memory tools: %w", err)
	}

	if err := tools.RegisterCalculatorTool(r); err != nil {
		return fmt.Errorf("register calculator: %w", err)
	}

	analyzer := meeting.NewAnalyzer(meeting.ModelCompleter(a.client, a.cfg.Models.Default), a.logger)
	if err := tools.RegisterMeetingTool(r, analyzer); err != nil {
		return fmt.Errorf("register meeting tool: %w", err)
	}

	if !a.cfg.Calendar.Configured() {
		a.logger.Info("calendar tools disabled (not configured)")
		return nil
	}
	// Per-conversation OAuth tokens take over from the static
	// credentials once the gate is on.
	var clients calendar.ClientSource
	if a.gate.Enabled() {
		clients = a.gate
	}
	provider := calendar.NewProvider(calendar.ProviderConfig{
		URL:          a.cfg.Calendar.URL,
		Username:     a.cfg.Calendar.Username,
		Password:     a.cfg.Calendar.Password,
		CalendarPath: a.cfg.Calendar.CalendarPath,
		Location:     a.cfg.Location(),
	}, clients, a.logger)
	if err := tools.RegisterCalendarTools(r, provider, a.cfg.Location()); err != nil {
		return fmt.Errorf("register calendar tools: %w", err)
	}
	a.logger.Info("calendar tools enabled", "url", a.cfg.Calendar.URL, "oauth", a.gate.Enabled())
	return nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(cfg *config.Config) (memory.Store, error) {
	if cfg.Store.Backend == "memory" {
		return memory.NewMemStore(), nil
	}
	store, err := memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return store, nil
}

// createLLMClient builds a multi-provider client. Models not mapped to
// a provider fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
		"requests_per_minute", cfg.Models.RequestsPerMinute,
	)

	return llm.NewRateLimitedClient(multi, cfg.Models.RequestsPerMinute)
}

func createEmbedder(cfg *config.Config) embeddings.Embedder {
	if cfg.Embeddings.Provider == "openai" {
		model := cfg.Embeddings.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return embeddings.NewOpenAI(llm.NewOpenAIAPI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), model)
	}
	return embeddings.NewOllama(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
}

// runAsk answers one question with an in-memory conversation and
// prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(config.NewHandler(stderr, level, cfg.Logging.Format))
	logger.Info("config loaded", "path", cfgPath)

	a, err := buildApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	answer, err := a.loop.HandleTurn(ctx, "cli", question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, answer)
	return nil
}
