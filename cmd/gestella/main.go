// Gestella is a conversational executive assistant.
//
// It answers chat, WebSocket and voice messages through an LLM agent
// that can keep notes, read and write a CalDAV calendar and turn
// meeting transcripts into minutes. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	gestella serve                     Start the API server
//	gestella ask <question>            Ask a single question
//	gestella checkpoint list           List conversation checkpoints
//	gestella checkpoint create [note]  Snapshot all conversations
//	gestella checkpoint restore <id>   Restore a snapshot
//	gestella version                   Print version and build information
//	gestella -o json version           Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/buildinfo"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/config"
)

// main only gathers the OS environment and hands it to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx shuts everything down.
// Structured logs go to stdout; args is os.Args[1:].
//
// Arguments are parsed by hand because the flag package keeps global
// state that breaks parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: gestella ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "checkpoint":
		return runCheckpoint(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  go:       %s\n", info.GoVersion)
	fmt.Fprintf(w, "  platform: %s\n", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gestella - Executive Assistant Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gestella [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server")
	fmt.Fprintln(w, "  ask <question>            Ask a single question")
	fmt.Fprintln(w, "  checkpoint list           List conversation checkpoints")
	fmt.Fprintln(w, "  checkpoint create [note]  Snapshot all conversations")
	fmt.Fprintln(w, "  checkpoint restore <id>   Replace conversations with a snapshot")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig locates and parses the configuration file and returns it
// with the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
