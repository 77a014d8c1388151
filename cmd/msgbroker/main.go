// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command msgbroker runs a message-channel broker. Every configured listen
// URL attaches its clients to one shared Hub, so a WebSocket writer can feed
// a TCP reader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/msgchannel"
	"github.com/luxfi/msgchannel/jsvm"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("msgbroker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	contextID := fs.String("context", "", "run a JavaScript context on this channel id")
	var listen stringList
	fs.Var(&listen, "listen", "broker URL to serve, repeatable (ws://, tcp://, grpc://)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if len(listen) > 0 {
		cfg.Listen = listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *contextID != "" {
		cfg.Context.ID = *contextID
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := cfg.Log.build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("broker stopped", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *Config, log *zap.Logger) error {
	msgchannel.SetLogger(log)
	hub := msgchannel.NewHub(log.Named("hub"))

	g, ctx := errgroup.WithContext(ctx)
	for _, rawURL := range cfg.Listen {
		server, err := msgchannel.Listen(rawURL, hub, msgchannel.WithServerLogger(log.Named("server")))
		if err != nil {
			return fmt.Errorf("listen %s: %w", rawURL, err)
		}
		log.Info("listening", zap.String("url", rawURL), zap.String("addr", server.Addr()))
		g.Go(func() error { return server.Serve(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	if cfg.Context.ID != "" {
		host := msgchannel.NewHost(
			msgchannel.WithDialer(hub),
			msgchannel.WithEvaluator(jsvm.New(log.Named("jsvm"))),
			msgchannel.WithContextID(cfg.Context.ID),
			msgchannel.WithLogger(log.Named("context")),
		)
		router, err := host.ContextChannel(ctx)
		if err != nil {
			return fmt.Errorf("context %s: %w", cfg.Context.ID, err)
		}
		router.AddMessageHandler(func(_ context.Context, params any) {
			log.Info("postMessage", zap.Any("params", params))
		})
		log.Info("context ready", zap.String("id", cfg.Context.ID))
		defer router.Close()
	}

	if cfg.Bridge.Addr != "" {
		host := msgchannel.NewHost(msgchannel.WithDialer(hub), msgchannel.WithLogger(log.Named("bridge")))
		remote := host.NewRemote(cfg.Bridge.Context)
		defer remote.Close()
		handler, err := msgchannel.NewBridgeHandler(remote)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Bridge.Path, handler)
		srv := &http.Server{
			Addr:              cfg.Bridge.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		log.Info("bridge listening", zap.String("addr", cfg.Bridge.Addr), zap.String("context", cfg.Bridge.Context))
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	return g.Wait()
}
