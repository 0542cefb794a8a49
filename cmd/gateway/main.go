package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/toolgate/backend/internal/bus"
	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/conversation"
	"github.com/toolgate/backend/internal/gateway"
	"github.com/toolgate/backend/internal/provider"
	"github.com/toolgate/backend/internal/session"
	"github.com/toolgate/backend/internal/tools"
	"github.com/toolgate/backend/internal/workflow"
)

func main() {
	// Local development convenience; ignored when no .env exists.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// A broken timeout hierarchy must not start a daemon that would
		// silently strand clients.
		log.Fatalf("configuration invalid: %v", err)
	}

	catalog, err := loadCatalog()
	if err != nil {
		log.Fatalf("model catalog: %v", err)
	}

	callers := map[string]provider.Caller{}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := provider.NewAnthropicCaller(key)
		if err != nil {
			log.Fatalf("anthropic caller: %v", err)
		}
		callers["anthropic"] = c
	}
	if len(callers) == 0 {
		log.Printf("WARNING: no provider API keys configured, all tool calls will fail")
	}
	providers := provider.NewRegistry(catalog, provider.NewDispatcher(catalog, callers), cfg.Routing)

	convo := newConversationStore(cfg)
	busClient := newBusClient(cfg)

	registry := tools.NewRegistry()
	frame := tools.NewFrame(providers, convo, cfg)
	if err := tools.RegisterBuiltins(registry); err != nil {
		log.Fatalf("tool registration: %v", err)
	}

	engine := workflow.NewEngine(providers, convo, cfg)
	sessions := session.NewManager(cfg.Session, cfg.AuthBearerToken)
	srv := gateway.NewServer(cfg, sessions, registry, frame, engine, busClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sessions.StartSweep(ctx, cfg.Session.CleanupInterval)
	go engine.StartSweep(ctx, cfg.Session.CleanupInterval)
	go conversation.StartSweep(ctx, convo, cfg.Session.CleanupInterval)
	go busClient.StartPurge(ctx, time.Hour)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WebSocketPort),
		Handler:      srv.Router(),
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("gateway listening on :%d (bus=%v, tools=%d, models=%d)",
		cfg.WebSocketPort, busClient.Enabled(), len(registry.List()), len(catalog))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}

// loadCatalog reads MODEL_CATALOG_PATH or falls back to the built-in
// catalog.
func loadCatalog() ([]*provider.Model, error) {
	if path := os.Getenv("MODEL_CATALOG_PATH"); path != "" {
		return provider.LoadCatalog(path)
	}
	return provider.DefaultCatalog(), nil
}

// newConversationStore picks Redis when configured, in-memory otherwise.
func newConversationStore(cfg *config.Config) conversation.Store {
	if cfg.Conversation.RedisAddr != "" {
		log.Printf("conversation store: redis at %s", cfg.Conversation.RedisAddr)
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Conversation.RedisAddr,
			Password: cfg.Conversation.RedisPassword,
		})
		return conversation.NewRedisStore(client, cfg.Conversation.TTL)
	}
	log.Printf("conversation store: in-memory")
	return conversation.NewMemoryStore(cfg.Conversation.TTL)
}

// newBusClient picks the first configured backend: Supabase, then direct
// Postgres, then disabled.
func newBusClient(cfg *config.Config) *bus.Client {
	opts := bus.Options{
		Enabled:          cfg.Bus.Enabled,
		InlineThreshold:  cfg.Bus.InlineThreshold,
		TTL:              cfg.Bus.TTL,
		FailureThreshold: cfg.Bus.FailureThreshold,
		Cooldown:         cfg.Bus.Cooldown,
	}
	if !cfg.Bus.Enabled {
		return bus.NewClient(opts)
	}

	switch {
	case cfg.Bus.SupabaseURL != "" && cfg.Bus.SupabaseKey != "":
		store, err := bus.NewSupabaseStore(cfg.Bus.SupabaseURL, cfg.Bus.SupabaseKey)
		if err != nil {
			log.Printf("supabase bus backend unavailable, continuing without bus: %v", err)
			break
		}
		log.Printf("message bus backend: supabase")
		opts.Store = store
	case cfg.Bus.DatabaseURL != "":
		store, err := bus.NewPostgresStore(cfg.Bus.DatabaseURL)
		if err != nil {
			log.Printf("postgres bus backend unavailable, continuing without bus: %v", err)
			break
		}
		log.Printf("message bus backend: postgres")
		opts.Store = store
	default:
		log.Printf("MESSAGE_BUS_ENABLED is set but no backend is configured")
	}
	return bus.NewClient(opts)
}
