package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/entrhq/pagepilot/pkg/config"
	"github.com/entrhq/pagepilot/pkg/transport"
)

// pageAgentCommand opens a page and serves its executor on ToolsPath until
// ctx ends.
func pageAgentCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		configPath string
		url        string
		listen     string
		outputDir  string
		headed     bool
	)
	fs := flag.NewFlagSet("page-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to config file (default ~/.pagepilot/config.json)")
	fs.StringVar(&url, "url", "", "Page to open")
	fs.StringVar(&listen, "listen", "127.0.0.1:9333", "Address to serve the executor on")
	fs.StringVar(&outputDir, "out", defaultOutputDir, "Directory for screenshots and downloads")
	fs.BoolVar(&headed, "headed", false, "Show the browser window")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if url == "" {
		fmt.Fprintln(stderr, "page-agent requires -url")
		return errUsage
	}

	if err := config.Initialize(configPath); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	live, err := openPage(ctx, pageOptions{url: url, outputDir: outputDir, headed: headed})
	if err != nil {
		return err
	}
	defer live.Close()

	server := transport.NewServer(transport.HandlerFor(live.executor))
	defer server.Close()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	return serveTools(ctx, ln, server, stdout)
}

// serveTools serves server on ln until ctx ends.
func serveTools(ctx context.Context, ln net.Listener, server http.Handler, stdout io.Writer) error {
	mux := http.NewServeMux()
	mux.Handle(transport.ToolsPath, server)
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	fmt.Fprintf(stdout, "Serving page executor on ws://%s%s\n", ln.Addr(), transport.ToolsPath)
	mainLog.Infof("page agent listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	}
}
