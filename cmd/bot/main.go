package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boomlive/replybot/internal/bot"
	"github.com/boomlive/replybot/internal/cache"
	"github.com/boomlive/replybot/internal/dedup"
	"github.com/boomlive/replybot/internal/llm"
	"github.com/boomlive/replybot/internal/media"
	"github.com/boomlive/replybot/internal/ratelimit"
	"github.com/boomlive/replybot/internal/storage"
	"github.com/boomlive/replybot/internal/twitter"
	"github.com/boomlive/replybot/pkg/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

func main() {
	// Load a local .env when present; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize the reply archive
	var archive storage.Archive
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory reply archive")
		archive = storage.NewMemoryArchive()
	} else {
		logger.Info("Using PostgreSQL reply archive")
		archive, err = storage.NewPostgresArchive(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to initialize reply archive", zap.Error(err))
		}
	}
	defer archive.Close()

	// Platform client
	platform := twitter.NewHTTPClient(twitter.Credentials{
		APIKey:       cfg.Twitter.APIKey,
		APISecret:    cfg.Twitter.APISecret,
		AccessToken:  cfg.Twitter.AccessToken,
		AccessSecret: cfg.Twitter.AccessTokenSecret,
		BearerToken:  cfg.Twitter.BearerToken,
	}, cfg.Twitter.BotUsername, cfg.Twitter.Timeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolve the bot's own identity unless pinned in config. The self id
	// check needs a real id to break reply loops.
	selfID := cfg.Twitter.BotUserID
	if selfID == "" {
		me, err := platform.GetMe(ctx)
		if err != nil {
			logger.Fatal("Failed to resolve own user id, set twitter.bot_user_id to skip the lookup",
				zap.Error(err))
		}
		selfID = me.ID
		logger.Info("Resolved own identity",
			zap.String("user_id", me.ID),
			zap.String("username", me.Username))
	}

	// LLM responder
	var responder llm.Responder
	switch cfg.LLM.Provider {
	case "openai":
		responder = llm.NewOpenAIResponder(
			cfg.LLM.OpenAI.APIKey,
			cfg.LLM.OpenAI.Model,
			cfg.LLM.OpenAI.MaxTokens,
			cfg.LLM.OpenAI.Temperature,
			cfg.LLM.Fallback,
			logger,
		)
	default:
		retry := llm.DefaultRetryPolicy()
		if cfg.LLM.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.LLM.MaxAttempts
		}
		if cfg.LLM.RetryDelay > 0 {
			retry.Delay = cfg.LLM.RetryDelay
		}
		responder = llm.NewClient(cfg.LLM.APIURL, cfg.LLM.Fallback, cfg.LLM.Timeout, retry, logger)
	}

	var describer media.Describer
	if cfg.Media.Enabled {
		describer = media.NewHTTPDescriber(cfg.Media.APIURL, cfg.Media.Timeout, logger)
	}

	var userLimiter *ratelimit.Limiter
	if cfg.RateLimit.PerUser.Enabled {
		userLimiter = ratelimit.New(ratelimit.Policy{
			Window:  cfg.RateLimit.PerUser.Window,
			Ceiling: cfg.RateLimit.PerUser.Ceiling,
		}, logger)
	}
	replyLimiter := ratelimit.New(ratelimit.Policy{
		Window:      cfg.RateLimit.Reply.Window,
		Ceiling:     cfg.RateLimit.Reply.Ceiling,
		MinInterval: cfg.RateLimit.Reply.MinInterval,
	}, logger)

	var responses *cache.ResponseCache
	if cfg.Cache.Enabled {
		responses = cache.New(cfg.Cache.Duration)
		go func() {
			ticker := time.NewTicker(cfg.Cache.Duration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if removed := responses.Sweep(); removed > 0 {
						logger.Info("Swept expired cached responses", zap.Int("count", removed))
					}
				}
			}
		}()
	}

	store := dedup.New(cfg.Dedup.Expiry, cfg.Dedup.MaxEntries, logger)

	dispatcher := bot.NewDispatcher(
		platform,
		responder,
		describer,
		store,
		userLimiter,
		replyLimiter,
		responses,
		archive,
		bot.DispatcherConfig{
			BotUsername:         cfg.Twitter.BotUsername,
			SelfID:              selfID,
			MaxReplyLength:      cfg.Bot.MaxReplyLength,
			DMMaxLength:         cfg.Bot.DMMaxLength,
			ConversationContext: cfg.Bot.ConversationContext,
			ThreadMode:          bot.ThreadMode(cfg.Bot.ThreadMode),
		},
		logger,
	)

	mux := http.NewServeMux()

	var cursorFn func() string
	var poller *bot.Poller
	var webhook *bot.WebhookHandler

	switch cfg.Bot.Mode {
	case "webhook":
		webhook = bot.NewWebhookHandler(dispatcher, cfg.Twitter.BotUsername, bot.WebhookConfig{
			Secret:          cfg.Webhook.Secret,
			ReplyToMentions: cfg.Bot.ReplyToMentions,
			ReplyToDMs:      cfg.Bot.ReplyToDMs,
			MaxConcurrent:   cfg.Webhook.MaxConcurrent,
			EventTimeout:    cfg.Webhook.EventTimeout,
		}, logger)
		webhook.Register(mux)
	default:
		var readLimiter *ratelimit.Limiter
		if cfg.RateLimit.Read.Enabled {
			readLimiter = ratelimit.New(ratelimit.Policy{
				Window:  cfg.RateLimit.Read.Window,
				Ceiling: cfg.RateLimit.Read.Ceiling,
			}, logger)
		}
		poller = bot.NewPoller(platform, dispatcher, readLimiter, bot.PollerConfig{
			Interval:         cfg.Bot.PollInterval,
			InitialWait:      cfg.Bot.InitialWait,
			MaxResults:       cfg.Bot.MaxResults,
			ReplyDelay:       cfg.Bot.ReplyDelay,
			RateLimitMinWait: cfg.Bot.RateLimitMinWait,
			AuthFailureWait:  cfg.Bot.AuthFailureWait,
			ErrorWait:        cfg.Bot.ErrorWait,
		}, logger)
		cursorFn = poller.Cursor
	}

	status := bot.NewStatusHandler(dispatcher, store, replyLimiter, archive, cursorFn,
		cfg.Twitter.BotUsername, cfg.Bot.Mode)
	status.Register(mux)

	server := &http.Server{Addr: cfg.Bot.ListenAddr, Handler: mux}
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Bot.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	if poller != nil {
		logger.Info("Starting in polling mode")
		if err := poller.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Poller stopped", zap.Error(err))
		}
	} else {
		logger.Info("Starting in webhook mode")
		<-ctx.Done()
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if webhook != nil {
		webhook.Wait()
	}
}
