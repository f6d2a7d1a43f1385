package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ghostcredit/config"
	"ghostcredit/core/events"
	"ghostcredit/observability/logging"
	"ghostcredit/observability/tracing"
	"ghostcredit/services/creditd/history"
	"ghostcredit/services/creditd/node"
	"ghostcredit/services/creditd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "creditd.toml", "path to creditd config (.toml or .yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := strings.TrimSpace(os.Getenv("CREDITD_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, closer := logging.Setup("creditd", env, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  cfg.Logging.File,
	})
	defer closer.Close()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := tracing.Init(context.Background(), tracing.Config{
			ServiceName: "creditd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     tracing.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	var emitter events.Emitter = events.NoopEmitter{}
	var sink *history.Sink
	if cfg.History.Driver != "" {
		sink, err = history.Open(cfg.History.Driver, cfg.History.DSN, logger)
		if err != nil {
			log.Fatalf("open history: %v", err)
		}
		defer sink.Close()
		emitter = sink
	}

	db, err := node.OpenStore(cfg.Storage)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	n, err := node.New(cfg, db, logger, emitter)
	if err != nil {
		db.Close()
		log.Fatalf("start node: %v", err)
	}
	defer n.Close()

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.AllowedSkewSecs) * time.Second,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		DisableAdminAPIs: cfg.Auth.DisableAdminAPIs,
	}, n, sink, logger)
	if err != nil {
		log.Fatalf("configure server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
