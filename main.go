// Command chat-bridge relays chat between a Twitch channel and a PeerTube
// livechat room.
// It:
//   - Loads configuration from DATA_DIR/config.json and the environment.
//   - Obtains the bridge account's Twitch credential (device login on first
//     run) and keeps it renewed.
//   - Connects to Twitch IRC through a swappable session and joins the
//     PeerTube room with the receiver presence.
//   - Exposes /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/chat"
	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/crypto"
	"github.com/onnwee/chat-bridge/db"
	"github.com/onnwee/chat-bridge/oauth"
	"github.com/onnwee/chat-bridge/peertube"
	"github.com/onnwee/chat-bridge/server"
	"github.com/onnwee/chat-bridge/telemetry"
	"github.com/onnwee/chat-bridge/twitchapi"
)

var version = "dev"

const (
	attachTimeout  = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	telemetry.ConfigureLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-bridge", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bridge stopped", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Bridge) error {
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		enc = aes
	}

	store, closeStore, err := db.OpenStore(ctx, cfg.DBDsn, cfg.DataDir, enc)
	if err != nil {
		return err
	}
	defer closeStore()

	authClient := twitchapi.NewAuthClient(cfg.TwitchClientID, cfg.Scopes)
	creds := oauth.NewManager(authClient, store)
	defer creds.Close()
	helix := &twitchapi.HelixClient{Tokens: creds, ClientID: cfg.TwitchClientID}

	sessionCfg := chat.Config{Channels: []string{cfg.TwitchChannel}, ReadOnly: cfg.ReadOnly}
	if !cfg.ReadOnly {
		cred, err := creds.Obtain(ctx)
		if err != nil {
			return err
		}
		info, err := authClient.Validate(ctx, cred.AccessToken)
		if err != nil {
			return err
		}
		sessionCfg.Username = info.Login
		sessionCfg.Token = cred.AccessToken
	} else {
		slog.Info("read-only mode: joining twitch anonymously, relaying to twitch disabled")
	}

	hc := &http.Client{Timeout: 15 * time.Second}
	room, err := peertube.FetchRoomConfig(ctx, hc, cfg.Instance, cfg.RoomID)
	if err != nil {
		return err
	}
	dial := func(ctx context.Context, nickname string, h peertube.Handlers) (bridge.Room, error) {
		return peertube.Dial(ctx, peertube.Options{Room: room, Nickname: nickname, Handlers: h, HTTPClient: hc})
	}

	irc := chat.NewSwappable(chat.NewTwitchIRC)
	b := bridge.New(
		bridge.Config{Channel: cfg.TwitchChannel, ReadOnly: cfg.ReadOnly, QueueSize: cfg.QueueSize},
		bridge.Options{Dial: dial, Helix: helix, Validator: authClient, TwitchReady: irc.Connected},
	)
	b.Subscribe(irc)

	irc.OnSwap(func(s *chat.Session) {
		attachCtx, cancel := context.WithTimeout(ctx, attachTimeout)
		defer cancel()
		if err := b.AttachTwitch(attachCtx, s); err != nil {
			slog.Error("failed to attach twitch session", slog.Any("err", err), slog.String("component", "bridge"))
		}
		if err := irc.Connect(); err != nil && !errors.Is(err, chat.ErrAlreadyConnected) {
			slog.Error("twitch chat connect failed", slog.Any("err", err), slog.String("component", "chat"))
		}
	})
	irc.OnConnect(func() {
		slog.Info("twitch chat connected", slog.String("channel", cfg.TwitchChannel), slog.String("component", "chat"))
	})

	var recovering sync.Mutex
	irc.OnDisconnect(func(error) {
		go func() {
			if !recovering.TryLock() {
				return
			}
			defer recovering.Unlock()
			recoverTwitch(ctx, cfg, creds, irc)
		}()
	})

	creds.OnRenewed(func(c *oauth.Credential) {
		if cfg.ReadOnly {
			return
		}
		if c == nil {
			// Renewal failed; the refresh token is gone, so only a new login helps.
			creds.Reset()
			next, err := creds.Obtain(ctx)
			if err != nil {
				slog.Error("twitch re-login failed", slog.Any("err", err), slog.String("component", "oauth"))
				return
			}
			c = next
		}
		irc.MergeConfig(chat.Config{Token: c.AccessToken})
	})

	guard := server.Guard{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = b.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(b, creds, guard)); err != nil {
			slog.Error("http server failed", slog.Any("err", err))
		}
	}()

	// The first swap attaches and connects the Twitch session.
	irc.UpdateConfig(sessionCfg)
	if err := b.StartReceiver(ctx); err != nil {
		slog.Error("receiver failed to join room", slog.Any("err", err), slog.String("component", "bridge"))
	}

	<-ctx.Done()
	slog.Info("shutting down")
	irc.Close()
	b.Close()
	wg.Wait()
	return nil
}

// recoverTwitch rebuilds the Twitch session after an unexpected disconnect,
// refreshing the credential first since an expired token is the usual cause.
func recoverTwitch(ctx context.Context, cfg *config.Bridge, creds *oauth.Manager, irc *chat.Swappable) {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		partial := chat.Config{}
		if !cfg.ReadOnly {
			c, err := creds.Renew(ctx)
			if err != nil {
				slog.Warn("twitch credential refresh failed, falling back to obtain", slog.Any("err", err), slog.String("component", "oauth"))
				if c, err = creds.Obtain(ctx); err != nil {
					slog.Error("twitch credential unavailable", slog.Any("err", err), slog.Duration("retry_in", delay), slog.String("component", "oauth"))
					delay = min(delay*2, 5*time.Minute)
					continue
				}
			}
			partial.Token = c.AccessToken
		}
		slog.Info("reconnecting twitch chat", slog.String("component", "chat"))
		irc.MergeConfig(partial)
		return
	}
}
