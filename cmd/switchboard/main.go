package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/backend/anthropic"
	"github.com/switchboard-ai/switchboard/internal/backend/openai"
	"github.com/switchboard-ai/switchboard/internal/cache"
	"github.com/switchboard-ai/switchboard/internal/catalog"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/events"
	"github.com/switchboard-ai/switchboard/internal/fallback"
	"github.com/switchboard-ai/switchboard/internal/gateway"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/routing"
	"github.com/switchboard-ai/switchboard/internal/security"
	"github.com/switchboard-ai/switchboard/internal/server"
	"github.com/switchboard-ai/switchboard/internal/strategy"
)

// Version is stamped at build time via -ldflags.
var version = "1.0.0"

// Application wires every subsystem together for one process.
type Application struct {
	config  *config.Config
	logger  *logrus.Logger
	bus     *events.Bus
	sweeper *metrics.Sweeper
	cache   cache.Cache
	limiter *security.TokenBucketLimiter
	server  *server.Server
}

// NewApplication loads configuration and builds the full pipeline.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	bus := events.NewBus(cfg.Events.QueueSize, logger)

	cat, err := catalog.New(cfg.EffectiveCatalog())
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	store := metrics.NewStore(cfg.ToStoreConfig(), logger)
	sweeper, err := metrics.NewSweeper(store, cfg.Metrics.SweepSchedule, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule metrics sweep: %w", err)
	}

	breakers := health.NewBreakerSet(cfg.ToBreakerConfig(), bus, logger)
	monitor := health.NewMonitor(cfg.ToMonitorConfig(), store, breakers, bus, logger)

	registry := strategy.NewDefaultRegistry(cfg.ToStrategyConfig())
	engine := routing.NewEngine(cfg.ToEngineConfig(), cat, store, breakers, monitor, registry, bus, logger)
	executor := fallback.NewExecutor(cfg.Fallback, store, breakers, bus, logger)

	backends := backend.NewRegistry()
	if err := registerBackends(backends, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register backends: %w", err)
	}

	var responseCache cache.Cache
	if cfg.Cache.Enabled {
		responseCache, err = cache.New(cfg.Cache, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	var (
		limiter     *security.TokenBucketLimiter
		gateLimiter security.Limiter
	)
	if cfg.Security.RateLimit.Enabled {
		limiter = security.NewTokenBucketLimiter(cfg.Security.RateLimit, logger)
		gateLimiter = limiter
	}

	var auth *security.Auth
	if cfg.Security.Auth.Enabled {
		auth = security.NewAuth(cfg.Security.Auth, logger)
	}

	gwCfg, err := cfg.ToGatewayConfig()
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gwCfg, engine, executor, backends, cat, store, responseCache, bus, logger)
	gw.UseRequest(gateway.NewRequestLogInterceptor(logger))
	if gateLimiter != nil {
		gw.UseRequest(gateway.NewRateLimitInterceptor(gateLimiter))
	}
	if auth != nil {
		gw.UseRequest(gateway.NewAuthInterceptor())
	}
	gw.UseResponse(gateway.NewResponseLogInterceptor(logger))

	srv, err := server.New(cfg.Server, gw, engine, cat, store, breakers, monitor, auth, gateLimiter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:  cfg,
		logger:  logger,
		bus:     bus,
		sweeper: sweeper,
		cache:   responseCache,
		limiter: limiter,
		server:  srv,
	}, nil
}

// Run starts the application and blocks until shutdown.
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting Switchboard")

	app.sweeper.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
	}

	app.sweeper.Stop()
	if app.limiter != nil {
		app.limiter.Close()
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.WithError(err).Warn("Cache close error")
		}
	}
	app.bus.Close()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerBackends registers every backend that has credentials.
func registerBackends(registry *backend.Registry, cfg *config.Config, logger *logrus.Logger) error {
	registered := 0

	if cfg.Backends.OpenAI != nil && cfg.Backends.OpenAI.APIKey != "" {
		registry.Register(openai.New(*cfg.Backends.OpenAI, logger))
		logger.WithField("backend", "openai").Info("OpenAI backend registered")
		registered++
	}

	if cfg.Backends.Anthropic != nil && cfg.Backends.Anthropic.APIKey != "" {
		registry.Register(anthropic.New(*cfg.Backends.Anthropic, logger))
		logger.WithField("backend", "anthropic").Info("Anthropic backend registered")
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no backends were registered - check your configuration and API keys")
	}

	logger.WithField("count", registered).Info("Backend registration completed")
	return nil
}

// printUsage prints application usage information.
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY                 OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY              Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_PORT               Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_LOG_LEVEL          Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_LOG_FORMAT         Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_DEFAULT_STRATEGY   Default routing strategy\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_API_KEYS           Comma-separated inbound API keys\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_JWT_SECRET         Secret for inbound JWT validation\n")
	fmt.Fprintf(os.Stderr, "  SWITCHBOARD_REDIS_ADDR         Redis address for the response cache\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath   = flag.String("config", "", "Path to configuration file")
		validateOnly = flag.Bool("validate-config", false, "Validate configuration and exit")
		showHelp     = flag.Bool("help", false, "Show help message")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Switchboard v%s\n", version)
		os.Exit(0)
	}

	// Pull in a .env file when present; the real environment wins.
	_ = godotenv.Load()

	if *validateOnly {
		if _, err := config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
