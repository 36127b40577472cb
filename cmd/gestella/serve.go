package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/api"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/buildinfo"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/checkpoint"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/config"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/health"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/memory"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/mqtt"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/transcribe"
)

// shutdownTimeout bounds the final checkpoint and HTTP drain.
const shutdownTimeout = 15 * time.Second

// runServe is the primary operating mode. It blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The MQTT publisher announces offline and disconnects
//  2. Pending periodic checkpoints finish and a shutdown checkpoint is written
//  3. The HTTP server drains in-flight requests
//  4. Stores are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger, closeLog, err := config.NewLogger(stdout, level, cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("starting Gestella", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"store", cfg.Store.Backend,
	)

	a, err := buildApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Checkpoints ---
	checkpointer, closeCheckpoints, err := openCheckpointer(cfg, a.store, logger)
	if err != nil {
		return err
	}
	defer closeCheckpoints()

	if cfg.Checkpoint.RestoreOnStart {
		cp, err := checkpointer.RestoreLatest(ctx)
		switch {
		case err != nil:
			return fmt.Errorf("restore latest checkpoint: %w", err)
		case cp == nil:
			logger.Info("no checkpoint to restore")
		default:
			logger.Info("conversations restored", "checkpoint", cp.Summary())
		}
	}
	a.loop.AddObserver(checkpointer)

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.store, logger)
	server.SetGate(a.gate)
	server.SetCheckpointer(checkpointer)
	if lister, ok := a.store.(api.ToolCallLister); ok {
		server.SetToolCalls(lister)
	}
	if cfg.OpenAI.Configured() {
		whisper := transcribe.NewWhisper(llm.NewOpenAIAPI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL),
			cfg.Transcription.Model, cfg.Transcription.Language, logger)
		server.SetTranscriber(whisper, cfg.Agent.MeetingPrefixChars)
		logger.Info("voice transcription enabled", "model", cfg.Transcription.Model)
	} else {
		logger.Info("voice transcription disabled (openai not configured)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := health.NewMonitor(logger)
	monitor.Watch(ctx, "model", a.client.Ping, health.DefaultSchedule())
	server.SetHealth(monitor)

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyTurns(cfg.Location()), logger)
		if cfg.MQTT.AcceptAsk {
			mqttPub.HandleAsk(a.loop)
		}
		if err := mqttPub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		a.loop.AddObserver(mqttPub)
		monitor.Watch(ctx, "mqtt", mqttPub.AwaitConnection, health.Schedule{Timeout: 2 * time.Second})
		logger.Info("mqtt enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"accept_ask", cfg.MQTT.AcceptAsk,
		)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		if _, err := checkpointer.CreateShutdown(shutdownCtx); err != nil {
			logger.Error("failed to create shutdown checkpoint", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-stopped
		monitor.Wait()
		return fmt.Errorf("server failed: %w", err)
	}
	<-stopped
	monitor.Wait()

	logger.Info("Gestella stopped")
	return nil
}

// openCheckpointer opens the checkpoint database next to the other
// stores. The returned func closes it.
func openCheckpointer(cfg *config.Config, store memory.Store, logger *slog.Logger) (*checkpoint.Checkpointer, func() error, error) {
	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "checkpoints.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	cp, err := checkpoint.NewCheckpointer(db, store, checkpoint.Config{
		EveryTurns: cfg.Checkpoint.EveryTurns,
		Keep:       cfg.Checkpoint.Keep,
	}, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create checkpointer: %w", err)
	}
	return cp, db.Close, nil
}
