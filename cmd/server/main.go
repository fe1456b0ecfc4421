package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/XTFG/nezha-dash-v1/internal/api"
	"github.com/XTFG/nezha-dash-v1/internal/cache"
	"github.com/XTFG/nezha-dash-v1/internal/config"
	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
	"github.com/XTFG/nezha-dash-v1/internal/session"
	"github.com/XTFG/nezha-dash-v1/internal/storage"
	"github.com/XTFG/nezha-dash-v1/internal/upstream"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const configFileName = "latency-history.config.xml"

var logger = logging.New("server")

func main() {
	configPath, err := resolveConfigPath()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(logging.ParseLevel(cfg.Advanced.LogLevel))

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatalf("failed to create directories: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry source: upstream API or the local DuckDB store
	var (
		source pipeline.Source
		store  *storage.TelemetryStore
	)
	switch cfg.Upstream.Source {
	case config.SourceStore:
		opts := storage.DefaultOptions()
		opts.Threads = cfg.Advanced.DuckDBThreads
		opts.MemoryLimit = cfg.Advanced.DuckDBMemoryLimit
		opts.DefaultLimit = cfg.Pipeline.DefaultMaxCount

		store, err = storage.NewTelemetryStore(cfg.Storage.DatabaseFile, opts)
		if err != nil {
			logger.Fatalf("failed to open telemetry store: %v", err)
		}
		defer store.Close()

		if cfg.Storage.RetentionHours > 0 {
			go store.RunRetention(ctx,
				time.Duration(cfg.Storage.RetentionHours)*time.Hour,
				time.Duration(cfg.Storage.RetentionInterval)*time.Minute)
		}
		source = store
	default:
		source = upstream.NewClient(upstream.Config{
			URL:        cfg.Upstream.URL,
			Token:      cfg.Upstream.Token,
			Timeout:    time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Upstream.MaxRetries,
			RetryDelay: time.Duration(cfg.Upstream.RetryDelayMs) * time.Millisecond,
		})
	}

	// Payload cache
	payloadCache := cache.New(cache.Config{
		Enabled:        cfg.Cache.Enabled,
		Address:        cfg.Cache.Address,
		Password:       cfg.Cache.Password,
		DB:             cfg.Cache.DB,
		KeyPrefix:      cfg.Cache.KeyPrefix,
		HealthInterval: time.Duration(cfg.Cache.HealthIntervalSeconds) * time.Second,
	})
	defer payloadCache.Stop()

	requestTimeout := time.Duration(cfg.Pipeline.RequestTimeoutSeconds) * time.Second

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.MaxHours = cfg.Pipeline.MaxHours
	pipelineCfg.DefaultMaxCount = cfg.Pipeline.DefaultMaxCount
	pipelineCfg.CacheTTL = cfg.CacheTTL()
	pipelineCfg.FetchTimeout = requestTimeout
	svc := pipeline.NewService(source, payloadCache, pipelineCfg)

	// Initialize session manager
	sessionMgr := session.NewManager(svc, session.Config{
		PollInterval: cfg.PollInterval(),
		MaxSessions:  cfg.Pipeline.MaxLiveSessions,
		RunTimeout:   requestTimeout,
	})
	defer sessionMgr.Close()

	// Start background session cleanup
	if cfg.Pipeline.CleanupIntervalMinutes > 0 {
		go sessionMgr.RunCleanup(ctx,
			time.Duration(cfg.Pipeline.CleanupIntervalMinutes)*time.Minute,
			time.Duration(cfg.Pipeline.SessionTimeoutMinutes)*time.Minute)
	}

	presets, err := loadPresets(cfg)
	if err != nil {
		logger.Warnf("failed to load range presets, using defaults: %v", err)
		presets = config.DefaultPresets().Resolve(cfg.Pipeline.MaxHours)
	}

	deps := &api.Dependencies{
		Pipeline:                svc,
		Sessions:                sessionMgr,
		Cache:                   payloadCache,
		Presets:                 presets,
		Source:                  cfg.Upstream.Source,
		Version:                 Version,
		WebSocketMaxMessageSize: int64(cfg.Advanced.WebSocketMaxMessageSize) * 1024,
	}
	if store != nil {
		deps.Store = store
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger = logging.New("echo")

	api.SetupMiddleware(e, api.MiddlewareOptions{
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   splitOrigins(cfg.Server.AllowOrigins),
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		RequestTimeout: requestTimeout,
		BodyLimit:      cfg.Server.BodyLimit,
		ExposeDetails:  strings.EqualFold(cfg.Advanced.LogLevel, "debug"),
	})
	api.RegisterRoutes(e, api.NewHandlers(deps))

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Latency History Server                          ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Source:     %-45s║\n", cfg.Upstream.Source)
	fmt.Printf("║  Cache:      %-45s║\n", payloadCache.Mode())
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.Storage.DataDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

// resolveConfigPath uses CONFIG_PATH when set, otherwise the config file
// next to the executable.
func resolveConfigPath() (string, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exePath), configFileName), nil
}

// loadPresets reads the YAML presets file. Without one, the configured
// default hours pick the initial bucket.
func loadPresets(cfg *config.AppConfig) (*config.RangePresets, error) {
	if _, err := os.Stat(cfg.Storage.PresetsFile); os.IsNotExist(err) {
		p := config.DefaultPresets()
		p.Default = cfg.Pipeline.DefaultHours
		return p.Resolve(cfg.Pipeline.MaxHours), nil
	}
	p, err := config.LoadPresets(cfg.Storage.PresetsFile)
	if err != nil {
		return nil, err
	}
	return p.Resolve(cfg.Pipeline.MaxHours), nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
