package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/backend"
	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/config"
	"github.com/amora/chat-core/internal/gateway"
	"github.com/amora/chat-core/internal/messaging"
	"github.com/amora/chat-core/internal/metrics"
	"github.com/amora/chat-core/internal/migrations"
	"github.com/amora/chat-core/internal/notify"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/ratelimit"
	"github.com/amora/chat-core/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.New()

	// --- Postgres ---
	db, err := backend.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.AutoMigrate {
		if err := migrations.Up(db, logger.Named("migrate")); err != nil {
			return err
		}
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	// --- NATS ---
	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	// --- Backend adapters ---
	presenceBackend := presence.NewRedisBackend(rdb)
	client := backend.NewClient(backend.NewRepository(db), nc, presenceBackend, logger)
	conversations := chat.NewConversationCache(client)
	nc.OnReconnect(func() {
		// Updates published while disconnected were missed.
		conversations.InvalidateAll()
		logger.Info("conversation cache invalidated after reconnect")
	})

	appState := session.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb, logger)

	presenceConfig := presence.Config{
		TTL:            cfg.Presence.TTL,
		PollInterval:   cfg.Presence.PollInterval,
		ReportDebounce: cfg.Presence.ReportDebounce,
	}
	// One presence view per process, shared by every connection and the
	// notification bridge.
	sharedPresence := presence.NewStore(client, presenceConfig, clk, logger)
	defer sharedPresence.Close()

	// --- Gateway ---
	gw, err := gateway.NewServer(gateway.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		WorkerPoolSize:    cfg.Server.WorkerPoolSize,
		MaxConnections:    cfg.Server.MaxConnections,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		Session: chat.SessionConfig{
			MatchWindow:          cfg.Chat.MatchWindow,
			TypingWindow:         cfg.Chat.TypingWindow,
			PresencePollInterval: cfg.Presence.PollInterval,
			HistoryLimit:         cfg.Chat.HistoryLimit,
		},
		Presence: presenceConfig,
	}, gateway.Deps{
		Backend:         client,
		Conversations:   conversations,
		History:         client,
		Deleter:         client,
		PresenceBackend: client,
		Presence:        sharedPresence,
		PresenceFeed:    client,
		Typing:          client,
		AppState:        appState,
		Limiter:         limiter,
	}, clk, logger)
	if err != nil {
		return err
	}

	// --- Notifications ---
	bridge := notify.NewBridge(notify.Deps{
		Presence:    presence.NewLiveReader(sharedPresence, 2*time.Second),
		AppState:    appState,
		Preferences: notify.NewRedisPreferences(rdb),
		Ledger:      notify.NewPostgresLedger(db),
		Pusher:      client,
		Alerter:     gw,
		Throttle:    ratelimit.NewPushThrottle(limiter),
	}, notify.Config{
		HistoryDuringQuietHours: cfg.Notify.HistoryDuringQuietHours,
		PreviewChars:            cfg.Notify.PreviewChars,
	}, clk, logger)
	gw.SetNotifications(bridge)

	receipts, err := client.SubscribeToPushReceipts(func(r backend.PushReceipt) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := bridge.MarkDelivered(ctx, r.MessageID, r.RecipientID); err != nil {
			logger.Debug("push receipt not applied",
				zap.String("message_id", r.MessageID),
				zap.String("recipient_id", r.RecipientID),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer receipts.Unsubscribe()
	gw.Handle("/metrics", metrics.Handler())
	gw.Handle("/ready", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !nc.Connected() {
			http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	logger.Info("chatd starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("nats_url", cfg.NATS.URL),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	return <-errCh
}
