// emailbot monitors a single mailbox, classifies incoming mail with an
// LLM, and routes each message to an automated reply, a draft, manual
// review, or a chat escalation. See deploy/config/emailbot.yaml for the
// full set of knobs.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ssmanji89/emailprocer/pkg/api"
	"github.com/ssmanji89/emailprocer/pkg/cache"
	"github.com/ssmanji89/emailprocer/pkg/chat"
	"github.com/ssmanji89/emailprocer/pkg/classifier"
	"github.com/ssmanji89/emailprocer/pkg/config"
	"github.com/ssmanji89/emailprocer/pkg/crypto"
	"github.com/ssmanji89/emailprocer/pkg/escalator"
	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/mail"
	"github.com/ssmanji89/emailprocer/pkg/patterns"
	"github.com/ssmanji89/emailprocer/pkg/pipeline"
	"github.com/ssmanji89/emailprocer/pkg/ratelimit"
	"github.com/ssmanji89/emailprocer/pkg/responder"
	"github.com/ssmanji89/emailprocer/pkg/router"
	"github.com/ssmanji89/emailprocer/pkg/scheduler"
	"github.com/ssmanji89/emailprocer/pkg/security"
	"github.com/ssmanji89/emailprocer/pkg/store"
	"github.com/ssmanji89/emailprocer/pkg/tokenbroker"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	keys, err := buildKeyRing(cfg.Encryption)
	if err != nil {
		slog.Error("failed to build key ring", "error", err)
		os.Exit(1)
	}

	st, err := store.NewClient(ctx, cfg.Database, keys)
	if err != nil {
		slog.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("closing store", "error", err)
		}
	}()

	redisCache, err := cache.New(ctx, cache.Config{Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB})
	if err != nil {
		slog.Error("failed to connect to cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisCache.Close(); err != nil {
			slog.Error("closing cache", "error", err)
		}
	}()

	guard := security.New(st, security.Config{
		MaxFailedAttempts: cfg.Auth.MaxFailedAuth,
		LockoutDuration:   cfg.Auth.LockoutDuration,
	})

	broker := tokenbroker.New(cfg.Auth, redisCache, guard)

	mailLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		BurstWindow: cfg.RateLimit.BurstWindow,
		BurstSize:   cfg.RateLimit.BurstSize,
		Cache:       redisCache,
	}, "mail", st)
	chatLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		BurstWindow: cfg.RateLimit.BurstWindow,
		BurstSize:   cfg.RateLimit.BurstSize,
		Cache:       redisCache,
	}, "chat", st)
	llmLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		BurstWindow: cfg.RateLimit.BurstWindow,
		BurstSize:   cfg.RateLimit.BurstSize,
		Cache:       redisCache,
	}, "llm", st)

	mailClient := mail.NewClient(mail.Config{
		BaseURL:            getEnv("MAIL_API_BASE_URL", "https://graph.microsoft.com/v1.0"),
		Mailbox:            cfg.Mailbox.TargetMailbox,
		BatchSize:          cfg.Scheduler.BatchSize,
		MaxEmailBodyLength: cfg.Mailbox.MaxEmailBodyLength,
	}, broker, mailLimiter)

	chatClient := chat.NewClient(chat.Config{
		BaseURL: getEnv("CHAT_API_BASE_URL", "https://graph.microsoft.com/v1.0"),
	}, broker, chatLimiter)

	llm := llmclient.NewClient(llmclient.ClientConfig{
		Endpoint:   cfg.LLM.Endpoint,
		APIKey:     cfg.LLM.APIKey,
		MaxRetries: cfg.LLM.MaxRetries,
		Default: llmclient.Config{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		},
	}, llmLimiter)

	classify := classifier.New(llm, classifier.Config{
		PromptBodyChars: cfg.LLM.PromptBodyChars,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
	})

	respond := responder.New(llm, mailClient, responder.Config{
		PromptBodyChars: cfg.LLM.PromptBodyChars,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
	})

	escalate := escalator.New(llm, chatClient, st, escalator.Config{
		ExpertiseMap:    cfg.Expertise.RoleAddresses,
		Owner:           cfg.Mailbox.TargetMailbox,
		PromptBodyChars: cfg.LLM.PromptBodyChars,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
	})

	thresholds := router.Thresholds{Auto: cfg.Thresholds.Auto, Suggest: cfg.Thresholds.Suggest, Review: cfg.Thresholds.Review}
	if err := thresholds.Validate(); err != nil {
		slog.Error("invalid router thresholds", "error", err)
		os.Exit(1)
	}

	concurrency := cfg.Scheduler.BatchSize
	if cfg.RateLimit.MaxRequests < concurrency {
		concurrency = cfg.RateLimit.MaxRequests
	}

	pipe := pipeline.New(mailClient, classify, respond, escalate, st, keys, pipeline.Config{
		RetryAttempts:     cfg.Scheduler.RetryAttempts,
		RetryDelay:        cfg.Scheduler.RetryDelay,
		MaxProcessingTime: cfg.Scheduler.MaxProcessingTime,
		Thresholds:        thresholds,
		PromptVersion:     cfg.LLM.Model,
		Concurrency:       concurrency,
		Cache:             redisCache,
	})

	sched := scheduler.New(pipe, scheduler.Config{
		Interval: cfg.Scheduler.PollingInterval,
		Stats:    st,
		Guard:    st,
	})
	sched.Start(ctx)
	defer sched.Stop()

	detector := patterns.New(st, patterns.Config{})
	stopPatterns := runPatternDetection(ctx, detector, cfg.Scheduler)
	defer stopPatterns()

	server := api.New(st, sched, pipe, broker, guard, api.Config{})
	engine := gin.Default()
	server.RegisterRoutes(engine)

	httpPort := getEnv("HTTP_PORT", "8080")
	httpServer := &http.Server{Addr: ":" + httpPort, Handler: engine}

	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
}

// buildKeyRing decodes the configured base64 key material into a KeyRing.
func buildKeyRing(cfg config.EncryptionConfig) (*crypto.KeyRing, error) {
	keys := make(map[string][]byte, len(cfg.Keys))
	for id, encoded := range cfg.Keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q: %w", id, err)
		}
		keys[id] = raw
	}
	return crypto.NewKeyRing(keys, cfg.ActiveKeyID)
}

// runPatternDetection runs the pattern detector on its own ticker,
// independent of the scheduler's email-processing cadence, every
// PatternDetectionEvery polling intervals. A non-positive value disables
// it. The goroutine stops the ticker once ctx is done; the returned func
// blocks until that goroutine has exited.
func runPatternDetection(ctx context.Context, detector *patterns.Detector, cfg config.SchedulerConfig) func() {
	if cfg.PatternDetectionEvery <= 0 {
		return func() {}
	}
	interval := cfg.PollingInterval * time.Duration(cfg.PatternDetectionEvery)
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				n, err := detector.Detect(ctx, time.Now().UTC())
				if err != nil {
					slog.Error("pattern detection failed", "error", err)
					continue
				}
				slog.Info("pattern detection completed", "patterns_upserted", n)
			}
		}
	}()
	return func() { <-done }
}
