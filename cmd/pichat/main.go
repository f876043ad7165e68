// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// pichat serves a chat endpoint backed by llama-server that can look up the
// system status of a Raspberry Pi.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/maruel/pichat"
	"github.com/maruel/pichat/internal"
	"github.com/maruel/pichat/llm/llamacpp"
	"github.com/maruel/pichat/llm/tools"
	"golang.org/x/sync/errgroup"
)

// openTools builds the registry for the configured backend. The returned
// function releases the backend's resources.
func openTools(ctx context.Context, tc *pichat.ToolsConfig) (*tools.Registry, func() error, error) {
	noop := func() error { return nil }
	switch tc.Backend {
	case pichat.BackendLocal:
		r, err := tc.NewRegistry(tools.PiTools(&tools.ExecRunner{}), nil)
		return r, noop, err
	case pichat.BackendSSH:
		runner, err := tools.NewSSHRunner(&tc.SSH)
		if err != nil {
			return nil, noop, err
		}
		r, err := tc.NewRegistry(tools.PiTools(runner), nil)
		return r, noop, err
	case pichat.BackendHTTP:
		r, err := tc.NewRegistry(nil, &tools.HTTPCaller{URL: tc.URL})
		return r, noop, err
	case pichat.BackendMCP:
		c, err := tools.DialMCP(ctx, tc.URL, internal.Commit())
		if err != nil {
			return nil, noop, err
		}
		r, err := tc.NewRegistry(nil, c)
		if err != nil {
			_ = c.Close()
			return nil, noop, err
		}
		return r, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown tools backend %q", tc.Backend)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)

	cfg := pichat.Config{}
	config := flag.String("config", "config.yml", "Configuration file. If not present, it is automatically created.")
	addr := flag.String("http", "127.0.0.1:8031", "Address to serve /api/chat on")
	version := flag.Bool("version", false, "Print version then exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	spans := flag.Bool("otel", false, "Export OpenTelemetry spans; to $OTEL_EXPORTER_OTLP_ENDPOINT when set, stderr otherwise")
	tracefile := flag.String("trace", "", "file to save trace to. A frequent name is trace.out; you can analyze it with go tool trace -http=:6060 trace.out")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("pichat %s\n", internal.Commit())
		return nil
	}
	if !internal.IsHostPort(*addr) {
		return fmt.Errorf("-http must be host:port, got %q", *addr)
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}
	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err = trace.Start(f); err != nil {
			return err
		}
		defer trace.Stop()
	}
	if *spans {
		shutdown, err := initTelemetry(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("main", "otel", err)
			}
		}()
	}
	if err := cfg.LoadOrDefault(*config); err != nil {
		return err
	}

	// Both may take a while when the Pi is busy, do them concurrently.
	client := &llamacpp.Client{BaseURL: cfg.LLM.URL, Encoding: cfg.LLM.Encoding()}
	var reg *tools.Registry
	closeTools := func() error { return nil }
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		start := time.Now()
		status, err := client.GetHealth(ectx)
		if err != nil {
			// Non fatal: llama-server may still be loading the model.
			slog.Warn("main", "llm", cfg.LLM.URL, "err", err)
		} else {
			slog.Info("main", "llm", cfg.LLM.URL, "health", status, "duration", time.Since(start).Round(time.Millisecond))
		}
		return nil
	})
	eg.Go(func() error {
		// ctx, not ectx: the MCP session outlives the group.
		var err error
		reg, closeTools, err = openTools(ctx, &cfg.Tools)
		if err != nil {
			return fmt.Errorf("failed to set up %s tools: %w", cfg.Tools.Backend, err)
		}
		return nil
	})
	err := eg.Wait()
	defer func() {
		if err := closeTools(); err != nil {
			slog.Error("main", "tools", err)
		}
	}()
	if err != nil {
		return err
	}
	o, err := pichat.New(&cfg, client, reg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/chat", pichat.Handler(o))
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	l, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	slog.Info("main", "listening", l.Addr().String(), "tools", cfg.Tools.Backend)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		slog.Info("main", "message", "quitting")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

func main() {
	if err := mainImpl(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "\npichat: %v\n", err.Error())
		os.Exit(1)
	}
}
