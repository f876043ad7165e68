// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// pichat-tools serves the Raspberry Pi status tools of the host it runs on,
// both over MCP and as plain JSON over HTTP.
//
// Run it on the Pi and point pichat's tools.url at it.
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
	"syscall"
	"time"

	"github.com/maruel/pichat/internal"
	"github.com/maruel/pichat/llm/tools"
	"golang.org/x/sync/errgroup"
)

func newMux(r *tools.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", tools.MCPHandler(tools.NewMCPServer(r, internal.Commit())))
	mux.Handle("/call", tools.HTTPHandler(r))
	return mux
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)

	addr := flag.String("http", "127.0.0.1:8032", "Address to serve /mcp and /call on")
	version := flag.Bool("version", false, "Print version then exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()
	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("pichat-tools %s\n", internal.Commit())
		return nil
	}
	if !internal.IsHostPort(*addr) {
		return fmt.Errorf("-http must be host:port, got %q", *addr)
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}

	r, err := tools.NewRegistry(tools.PiTools(&tools.ExecRunner{})...)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(r),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	l, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	slog.Info("main", "listening", l.Addr().String())
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
		fmt.Fprintf(os.Stderr, "\npichat-tools: %v\n", err.Error())
		os.Exit(1)
	}
}
