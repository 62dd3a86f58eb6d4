package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/none34829/freya-1/internal/adapter/llm"
	"github.com/none34829/freya-1/internal/adapter/speech"
	"github.com/none34829/freya-1/internal/config"
	"github.com/none34829/freya-1/internal/hub"
	"github.com/none34829/freya-1/internal/logger"
	"github.com/none34829/freya-1/internal/metrics"
	"github.com/none34829/freya-1/internal/repository"
	"github.com/none34829/freya-1/internal/service"
	httpserver "github.com/none34829/freya-1/internal/transport/http"
	"github.com/none34829/freya-1/internal/transport/rpc"
)

const shutdownTimeout = 10 * time.Second

// serveFlags maps command line flags onto config keys.
var serveFlags = map[string]string{
	"http-port":    "HTTP_PORT",
	"rpc-port":     "RPC_PORT",
	"database":     "DATABASE_URL",
	"prompts":      "PROMPTS_FILE",
	"media-dir":    "MEDIA_DIR",
	"log-level":    "LOG_LEVEL",
	"log-format":   "LOG_FORMAT",
	"log-file":     "LOG_FILE",
	"llm-model":    "LLM_MODEL",
	"llm-base-url": "LLM_BASE_URL",
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP, SSE and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	f := cmd.Flags()
	f.Int("http-port", 8080, "HTTP listen port")
	f.Int("rpc-port", 0, "JSON-RPC listen port (0 disables)")
	f.String("database", "", "SQLite DSN")
	f.String("prompts", "", "YAML file of prompts to seed at startup")
	f.String("media-dir", "", "Directory for synthesised audio")
	f.String("log-level", "", "Log level (debug|info|warn|error)")
	f.String("log-format", "", "Log format (text|json|logfmt)")
	f.String("log-file", "", "Write logs to file instead of stderr")
	f.String("llm-model", "", "Chat completion model")
	f.String("llm-base-url", "", "OpenAI-compatible API base URL")
	return cmd
}

// loadServeConfig layers flags over the environment and defaults.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	config.Defaults(v)
	v.AutomaticEnv()
	for flag, key := range serveFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return config.FromViper(v), nil
}

func runServe(cfg *config.Config) error {
	if err := logger.Configure(cfg.LogLevel, cfg.LogFormat, cfg.LogFile); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	logger.Info("starting console", "http_port", cfg.HTTPPort, "rpc_port", cfg.RPCPort, "database", cfg.DatabaseURL)

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()

	if cfg.PromptsFile != "" {
		n, err := repository.SeedPrompts(context.Background(), store, cfg.PromptsFile)
		if err != nil {
			return fmt.Errorf("seed prompts: %w", err)
		}
		logger.Info("seeded prompts", "file", cfg.PromptsFile, "count", n)
	}

	// Initialize completion source and speech
	client := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, cfg.LLMIdleTimeout)
	if !client.Configured() {
		logger.Warn("no LLM_API_KEY set, replies use the local fallback generator")
	}
	source := llm.NewSource(client, llm.NewFallback(cfg.FallbackTokenDelay))
	synthesizer := speech.NewOpenAISynthesizer(speech.Config{
		BaseURL:  cfg.TTSBaseURL,
		APIKey:   cfg.TTSAPIKey,
		Model:    cfg.TTSModel,
		Voice:    cfg.TTSVoice,
		Format:   cfg.TTSFormat,
		MediaDir: cfg.MediaDir,
	})

	// Fan-out and metrics
	h := hub.NewHub()
	exporter := metrics.NewExporter()
	exporter.TrackSubscribers(h.SubscriberCount)
	agg := metrics.NewAggregator(metrics.DefaultCapacity, exporter)

	svc := service.New(store, source, synthesizer, h, agg, cfg)

	server := httpserver.NewServer(cfg, svc, exporter)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start http server", "err", err)
		}
	}()

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc)
		if err != nil {
			return fmt.Errorf("initialize rpc server: %w", err)
		}
		go func() {
			if err := rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
				logger.Fatal("failed to start rpc server", "err", err)
			}
		}()
	}

	logger.Info("console started", "http_port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down console")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not shut down gracefully", "err", err)
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("rpc server did not shut down gracefully", "err", err)
		}
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight runs still active at shutdown", "err", err)
	}

	logger.Info("console stopped")
	return nil
}
