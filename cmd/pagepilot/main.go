// Package main provides the PagePilot command: goal-driven browser
// automation where a model plans DOM tool calls, a page-side executor runs
// them against a real Chromium page and risky steps wait for approval.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/pagepilot/pkg/logging"
)

const (
	version      = "0.1.0"
	defaultModel = "gpt-4o"
)

var mainLog *logging.Logger

func init() {
	var err error
	mainLog, err = logging.NewLogger("main")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize main logger, using stderr fallback: %v\n", err)
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	code := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	_ = logging.Shutdown()
	os.Exit(code)
}

// dispatch runs one subcommand and returns the process exit code.
func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(ctx, args[1:], stdout, stderr)
	case "page-agent":
		err = pageAgentCommand(ctx, args[1:], stdout, stderr)
	case "history":
		err = historyCommand(ctx, args[1:], stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "PagePilot v%s\n", version)
		return 0
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	if err != nil {
		if err == errUsage {
			return 2
		}
		mainLog.Errorf("%s: %v", args[0], err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "PagePilot - goal-driven browser automation\n\n")
	fmt.Fprintf(w, "Usage: pagepilot <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run          Run a goal against a page\n")
	fmt.Fprintf(w, "  page-agent   Serve a browser page to remote orchestrators over WebSocket\n")
	fmt.Fprintf(w, "  history      List, show or clear past runs\n")
	fmt.Fprintf(w, "  version      Show version and exit\n")
	fmt.Fprintf(w, "\nEnvironment Variables:\n")
	fmt.Fprintf(w, "  OPENAI_API_KEY     OpenAI API key\n")
	fmt.Fprintf(w, "  OPENAI_BASE_URL    OpenAI API base URL (for compatible APIs)\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  pagepilot run -url https://example.com -goal \"Find the contact email\"\n")
	fmt.Fprintf(w, "  pagepilot run -task checkout.yaml -plain -yes\n")
	fmt.Fprintf(w, "  pagepilot page-agent -url https://example.com -listen 127.0.0.1:9333\n")
	fmt.Fprintf(w, "  pagepilot run -agent ws://127.0.0.1:9333/tools -goal \"Sign in\"\n")
	fmt.Fprintf(w, "  pagepilot history show <runId> -copy\n")
}
