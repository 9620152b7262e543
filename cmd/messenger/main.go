package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/referly/messenger/internal/api"
	"github.com/referly/messenger/internal/auth"
	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatbackend"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/config"
	"github.com/referly/messenger/internal/directory"
	"github.com/referly/messenger/internal/messaging"
	"github.com/referly/messenger/internal/messenger"
	"github.com/referly/messenger/internal/metrics"
	"github.com/referly/messenger/internal/ratelimit"
	"github.com/referly/messenger/internal/session"
	"github.com/referly/messenger/internal/ws"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply directory migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := directory.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("failed to migrate directory: %v", err)
	}
	if *migrateOnly {
		return
	}

	// --- Postgres (directory) ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	// --- NATS (chat backend) ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis (page sessions, rate limits, pair locks) ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	dirStore := directory.NewStore(db)
	dirService := directory.NewService(dirStore)
	syncer := directory.NewSyncer(dirStore, chatbackend.NewAdmin(natsClient, cfg.ChatAPISecret))

	verifier := auth.NewPlatformVerifier(cfg.PlatformJWTSecret)
	provider := auth.NewProvider(dirService, auth.NewChatTokens(cfg.ChatAPISecret, cfg.ChatTokenTTL))

	log.Printf("Messenger starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  pages_per_user:  %d", cfg.MaxPagesPerUser)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  history_limit:   %d", cfg.HistoryLimit)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.MaxPagesPerUser = cfg.MaxPagesPerUser
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	// Declare server early so closures can capture it.
	var server *ws.Server
	dispatcher := ws.NewMessageDispatcher(func(connID string, data []byte) error {
		return server.SendMessage(connID, data)
	})
	server = ws.NewServer(wsConfig, sessionStore, dispatcher.Dispatch)

	server.SetAuthenticator(func(r *http.Request) (string, error) {
		id, err := verifier.Authenticate(r)
		if err != nil {
			return "", err
		}
		ok, err := limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if err != nil {
			log.Printf("[ratelimit] connect check failed: %v", err)
		}
		if !ok {
			return "", errors.New("connect rate limit exceeded")
		}
		return id.UserID, nil
	})

	hub := messenger.NewHub(messenger.Deps{
		Dial: func(sessionID string) chatclient.Backend {
			return chatbackend.New(natsClient, sessionID)
		},
		Credentials: provider,
		Directory:   dirService,
		Syncer:      syncer,
		Locker:      chat.NewPairLock(sessionStore.Client()),
		Limiter:     limiter,
		Sessions:    sessionStore,
		Options:     chatclient.Options{HistoryLimit: cfg.HistoryLimit},
		ScrollDelay: cfg.ScrollDelay,
	}, server.SendMessage)
	hub.Attach(server, dispatcher)

	if err := server.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	handler := api.NewHandler(api.Config{
		Auth:        verifier,
		Credentials: provider,
		Directory:   dirService,
		Upgrade:     server.HandleUpgrade,
		Metrics:     metrics.Handler(),
		Connections: server.Connections().Count,
		StartedAt:   server.StartedAt(),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		hub.Close()
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server error: %v", err)
	}
	<-stopped
	log.Println("messenger stopped")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
