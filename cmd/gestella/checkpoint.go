package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/checkpoint"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/config"
)

// runCheckpoint manages snapshots offline. It must not run while a
// server holds the same data directory.
func runCheckpoint(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: gestella checkpoint list|create [note]|restore <id>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(config.NewHandler(io.Discard, level, cfg.Logging.Format))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cp, closeDB, err := openCheckpointer(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	switch args[0] {
	case "list":
		list, err := cp.List(ctx, 0)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(stdout, "no checkpoints")
		}
		for _, c := range list {
			fmt.Fprintln(stdout, c.Summary())
		}
		return nil

	case "create":
		created, err := cp.Create(ctx, checkpoint.TriggerManual, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		created.Conversations = nil
		if outputFmt == "json" {
			return printJSON(stdout, created)
		}
		fmt.Fprintf(stdout, "created %s\n", created.Summary())
		return nil

	case "restore":
		if len(args) != 2 {
			return fmt.Errorf("usage: gestella checkpoint restore <id>")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid checkpoint id %q: %w", args[1], err)
		}
		restored, err := cp.Restore(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %s\n", restored.Summary())
		return nil

	default:
		return fmt.Errorf("unknown checkpoint command: %s", args[0])
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
