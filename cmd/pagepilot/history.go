package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/config"
	"github.com/entrhq/pagepilot/pkg/executor/tui"
	"github.com/entrhq/pagepilot/pkg/history"
)

// copyToClipboard is swapped out in tests.
var copyToClipboard = clipboard.WriteAll

func historyCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: pagepilot history <list|show|clear> [options]")
		return errUsage
	}

	sub, rest := args[0], args[1:]
	var positional []string
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	var (
		configPath string
		goal       string
		status     string
		jsonOut    bool
		copyOut    bool
		raw        bool
	)
	fs := flag.NewFlagSet("history "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to config file (default ~/.pagepilot/config.json)")
	switch sub {
	case "list":
		fs.StringVar(&goal, "goal", "", "Only runs whose goal matches this glob")
		fs.StringVar(&status, "status", "", "Only runs with this status")
		fs.BoolVar(&jsonOut, "json", false, "Print JSON")
	case "show":
		fs.BoolVar(&copyOut, "copy", false, "Copy the run JSON to the clipboard")
		fs.BoolVar(&raw, "raw", false, "Print JSON without highlighting")
	case "clear":
	default:
		fmt.Fprintf(stderr, "unknown history command %q\n", sub)
		return errUsage
	}
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}
	positional = append(positional, fs.Args()...)

	if err := config.Initialize(configPath); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	store, closeStore, err := openHistory()
	if err != nil {
		return err
	}
	defer closeStore()

	switch sub {
	case "list":
		return historyList(ctx, store, stdout, goal, automation.RunStatus(status), jsonOut)
	case "show":
		if len(positional) != 1 {
			fmt.Fprintln(stderr, "Usage: pagepilot history show <runId> [-copy] [-raw]")
			return errUsage
		}
		return historyShow(ctx, store, stdout, positional[0], copyOut, raw)
	default:
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "History cleared")
		return nil
	}
}

func historyList(ctx context.Context, store history.Store, w io.Writer, goal string, status automation.RunStatus, jsonOut bool) error {
	runs, err := store.List(ctx)
	if err != nil {
		return err
	}
	filter, err := history.NewFilter(goal, status)
	if err != nil {
		return err
	}
	runs = filter.Apply(runs)

	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTEPS\tUPDATED\tGOAL")
	for _, run := range runs {
		updated := time.UnixMilli(run.UpdatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", run.RunID, run.Status, len(run.Steps), updated, clip(run.Goal, 60))
	}
	return tw.Flush()
}

func historyShow(ctx context.Context, store history.Store, w io.Writer, runID string, copyOut, raw bool) error {
	run, err := store.Get(ctx, runID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	if copyOut {
		if err := copyToClipboard(string(data)); err != nil {
			return fmt.Errorf("failed to copy to clipboard: %w", err)
		}
	}

	if raw {
		fmt.Fprintln(w, string(data))
		return nil
	}
	colored, err := tui.HighlightJSON(run)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, colored)
	return nil
}

func clip(s string, max int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max-1]) + "…"
}
