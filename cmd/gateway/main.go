// Command gateway runs the relay gateway: viewers connect over a websocket,
// name a PeerTube livechat room and receive its messages, while the gateway
// keeps one upstream presence per room however many viewers watch it.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/gateway"
	"github.com/onnwee/chat-bridge/telemetry"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	telemetry.ConfigureLogging()

	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-bridge-gateway", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hc := &http.Client{Timeout: 15 * time.Second}
	hub := gateway.NewHub(gateway.Config{
		KeepAlive:    cfg.KeepAlive(),
		IdleTimeout:  cfg.IdleTimeout,
		BacklogDelay: cfg.BacklogDelay,
	}, gateway.PeerTubeDialer(hc), hc)

	slog.Info("starting gateway",
		slog.String("addr", cfg.Addr()),
		slog.Duration("keep_alive", cfg.KeepAlive()),
		slog.Duration("idle_timeout", cfg.IdleTimeout))
	if err := gateway.Start(ctx, cfg.Addr(), hub); err != nil {
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
