/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command streamhttpd runs the streaming HTTP/1.1 engine behind a small
// demo Handler that echoes the request method and target, reading the
// body to completion and discarding it. Grounded on the teacher's
// cli/main.go cobra wiring, trimmed to a single serve command since this
// engine has no context-store/multi-backend surface to route between.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	streamhttp "github.com/badu/streamhttp"
)

type serveOpts struct {
	addr        string
	debug       bool
	readTimeout time.Duration
	idleTimeout time.Duration
}

func main() {
	var opts serveOpts

	root := &cobra.Command{
		Use:           "streamhttpd",
		Short:         "run the streaming HTTP/1.1 engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.addr, "addr", "a", ":8080", "address to listen on")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	flags.DurationVar(&opts.readTimeout, "read-timeout", 60*time.Second, "per-request read timeout")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", 120*time.Second, "keep-alive idle timeout")

	ctx, cancel := signalContext()
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts serveOpts) error {
	if opts.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := streamhttp.DefaultConfig()
	cfg.Addr = opts.addr
	cfg.ReadTimeout = opts.readTimeout
	cfg.IdleTimeout = opts.idleTimeout
	cfg.Handler = echoHandler{}
	cfg.Logger = logrus.StandardLogger()

	ln := streamhttp.NewListener(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- ln.ListenAndServe() }()

	logrus.Infof("streamhttpd listening on %s", opts.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ln.Shutdown(shutdownCtx)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

// echoHandler is a minimal demonstration Handler: it discards the
// request body and replies with the method and target it saw.
type echoHandler struct{}

func (echoHandler) OnHeaders(w streamhttp.ResponseWriter, req *streamhttp.Request) streamhttp.BodyDecision {
	body := fmt.Sprintf("%s %s\n", req.MethodName, req.Target)
	w.Header().Set(streamhttp.HeaderContentType, "text/plain; charset=utf-8")
	w.WriteHeader(200)
	w.Write([]byte(body))
	w.End()
	return streamhttp.Discard
}

func (echoHandler) OnComplete(req *streamhttp.Request) {}
