package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberworks/chatbridge/internal/bridge"
	"github.com/emberworks/chatbridge/internal/circuit"
	"github.com/emberworks/chatbridge/internal/config"
	"github.com/emberworks/chatbridge/internal/hub"
	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/metrics"
	"github.com/emberworks/chatbridge/internal/provider"
	"github.com/emberworks/chatbridge/internal/provider/anthropic"
	"github.com/emberworks/chatbridge/internal/provider/openai"
	"github.com/emberworks/chatbridge/internal/retry"
	"github.com/emberworks/chatbridge/internal/store"
	"github.com/emberworks/chatbridge/pkg/auth"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	// Storage: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	jwksURL := cfg.JWTJWKSURL
	if cfg.ValidatorType == "dev" {
		jwksURL = ""
	}
	tokenValidator, err := auth.NewTokenValidator(jwksURL)
	if err != nil {
		log.Error("failed to initialize token validator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Resilience layer shared by every provider adapter.
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	res := &provider.Resilience{
		Breakers:    circuit.NewRegistry(circuit.DefaultConfig(), log),
		Coordinator: retry.NewCoordinator(policy, log),
	}

	factory := provider.NewFactory(res, log)
	factory.Register("openai", openai.New)
	factory.Register("anthropic", anthropic.New)

	providerConfigs := buildProviderConfigs(cfg)
	if len(providerConfigs) == 0 {
		log.Error("no provider configured; set OPENAI_API_KEY or ANTHROPIC_API_KEY")
		os.Exit(1)
	}
	defaultKind := cfg.DefaultProvider
	if _, ok := providerConfigs[defaultKind]; !ok {
		for kind := range providerConfigs {
			defaultKind = kind
			break
		}
		log.Warn("default provider not configured, falling back",
			slog.String("provider", defaultKind))
	}
	router := provider.NewRouter(factory, providerConfigs, defaultKind)

	h := hub.New(tokenValidator, hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		RateLimit:         cfg.MessageRateLimit,
		RateWindow:        time.Duration(cfg.MessageRateWindowSecs) * time.Second,
		TypingExpiry:      time.Duration(cfg.TypingExpirySecs) * time.Second,
		TypingSpamWindow:  time.Duration(cfg.TypingSpamWindowMillis) * time.Millisecond,
		WriteTimeout:      10 * time.Second,
	}, log)

	titles := bridge.NewTitleWorker(st, router, cfg.TitleWorkerPoolSize, cfg.TitleBufferSize, log)
	br := bridge.New(st, router, h.Manager, titles, bridge.Options{
		HistoryWindow: cfg.HistoryWindow,
	}, log)
	h.SetHandler(br)

	metrics.RegisterConnectionGauges(func() (int, int, int) {
		s := h.Manager.Stats()
		return s.Connections, s.Users, s.Conversations
	})

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	go h.Heartbeat.Run(heartbeatCtx)

	authMiddleware, err := auth.NewAuthMiddleware(tokenValidator)
	if err != nil {
		log.Error("failed to initialize auth middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	// CORS middleware
	engine.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	engine.GET("/ws", h.HandleWS)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := engine.Group("/", authMiddleware.RequireAuth())
	protected.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"hub":       h.Manager.Stats(),
			"breakers":  res.Breakers.AllStats(),
			"providers": factory.Catalog(),
		})
	})

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: engine,
	}

	go func() {
		log.Info("server listening", slog.String("addr", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	h.Shutdown(ctx)
	titles.Close()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := st.Close(); err != nil {
		log.Error("failed to close store", slog.String("error", err.Error()))
	}

	log.Info("server exited")
}

func buildProviderConfigs(cfg *config.Config) map[string]provider.Config {
	configs := make(map[string]provider.Config)

	if cfg.OpenAIAPIKey != "" {
		configs["openai"] = provider.Config{
			Provider:      "openai",
			APIKey:        cfg.OpenAIAPIKey,
			BaseURL:       cfg.OpenAIBaseURL,
			Organization:  cfg.OpenAIOrg,
			DefaultModel:  cfg.DefaultModel,
			MaxTokens:     cfg.MaxOutputTokens,
			SendTimeout:   cfg.SendTimeout(),
			StreamTimeout: cfg.StreamTimeout(),
			MaxRetries:    cfg.MaxRetries,
		}
	}
	if cfg.AnthropicAPIKey != "" {
		model := cfg.DefaultModel
		if cfg.DefaultProvider != "anthropic" {
			// The shared default model is an OpenAI id unless Anthropic is
			// the default provider.
			model = "claude-sonnet-4-5"
		}
		configs["anthropic"] = provider.Config{
			Provider:      "anthropic",
			APIKey:        cfg.AnthropicAPIKey,
			BaseURL:       cfg.AnthropicBaseURL,
			DefaultModel:  model,
			MaxTokens:     cfg.MaxOutputTokens,
			SendTimeout:   cfg.SendTimeout(),
			StreamTimeout: cfg.StreamTimeout(),
			MaxRetries:    cfg.MaxRetries,
		}
	}

	return configs
}
