package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/pagepilot/pkg/browser"
	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/config"
	"github.com/entrhq/pagepilot/pkg/history"
	"github.com/entrhq/pagepilot/pkg/page"
	"github.com/entrhq/pagepilot/pkg/policy"
)

// errUsage means the flag set already printed what went wrong.
var errUsage = errors.New("usage")

const (
	defaultTabID     = "tab-1"
	defaultOutputDir = "pagepilot-output"
)

// openHistory opens the configured history backend.
func openHistory() (history.Store, func() error, error) {
	backend, path, limit := config.GetHistory().Location()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	if backend == config.HistoryBackendSQLite {
		store, err := history.NewSQLiteStore(path, limit)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	store, err := history.NewFileStore(path, limit)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

// buildPolicy combines the configured URL rules with the rego policy file,
// or the built-in policy when none is set.
func buildPolicy(ctx context.Context) (*policy.Engine, error) {
	file, blocked, approval := config.GetPolicy().Rules()
	rules, err := policy.NewURLRules(blocked, approval)
	if err != nil {
		return nil, err
	}
	return policy.LoadEngine(ctx, file, policy.WithURLRules(rules))
}

// livePage is a Chromium page mirrored into a document with an executor
// bound to it.
type livePage struct {
	manager  *browser.SessionManager
	session  *browser.Session
	executor *page.Executor
}

type pageOptions struct {
	url       string
	outputDir string
	headed    bool
}

// openPage starts Chromium, loads opts.url and binds a page executor to the
// mirrored document. Screenshots and downloads land in opts.outputDir.
func openPage(ctx context.Context, opts pageOptions) (*livePage, error) {
	headless, width, height, timeout := config.GetBrowser().Settings()
	if opts.headed {
		headless = false
	}
	if opts.outputDir == "" {
		opts.outputDir = defaultOutputDir
	}

	manager := browser.NewSessionManager()
	if err := manager.Initialize(); err != nil {
		return nil, err
	}

	session, err := manager.StartSession("main", browser.SessionOptions{
		Headless: headless,
		Viewport: &browser.Viewport{Width: width, Height: height},
		Timeout:  timeout,
	})
	if err != nil {
		_ = manager.Shutdown()
		return nil, err
	}

	doc, err := session.Navigate(ctx, opts.url)
	if err != nil {
		_ = manager.Shutdown()
		return nil, err
	}

	executor := page.NewExecutor(doc, page.WithCapturer(capture.New(opts.outputDir, session)))
	mainLog.Infof("page %s ready (%s)", opts.url, doc.Title())
	return &livePage{manager: manager, session: session, executor: executor}, nil
}

func (p *livePage) Close() error {
	return p.manager.Shutdown()
}
