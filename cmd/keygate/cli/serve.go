package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/mcp"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/usage"
)

const banner = `
 _                        _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func newServeCmd() *cobra.Command {
	var noMCP, dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server that exposes the admin API and the key-gated data API for every registered service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noMCP, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("rate-limit-backend", "", "Rate limit backend: ledger, memory or redis")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Do not mount the MCP endpoint at /mcp")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode: debug logging")

	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	v.BindPFlag("rate_limit.backend", cmd.Flags().Lookup("rate-limit-backend"))

	return cmd
}

func runServe(ctx context.Context, noMCP, dev bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Log.Level = "debug"
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	fmt.Print(banner)
	fmt.Println()

	// 1. Control-plane store
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("config store initialized", "driver", store.Driver(), "data_dir", resolveDataDir())

	// 2. Connect active services
	registry := connector.NewRegistry()
	connectServices(ctx, store, registry, logger)

	// 3. Admin sessions
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		if jwtSecret, err = store.JWTSecret(ctx); err != nil {
			return fmt.Errorf("load jwt secret: %w", err)
		}
	}
	sessionTTL, err := parseDuration("auth.session_ttl", cfg.Auth.SessionTTL, 0)
	if err != nil {
		return err
	}
	authSvc := service.NewAuthService(store, jwtSecret, sessionTTL).WithLogger(logger)
	keySvc := service.NewKeyService(store, cfg.RateLimit.DefaultPerHour)

	hasAdmin, err := store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - POST /api/v1/system/setup or run: keygate admin create")
	}

	// 4. Rate limiter and usage ledger
	limiter, err := newLimiter(cfg, store, logger)
	if err != nil {
		return err
	}
	recorder := usage.NewRecorder(store, usage.Options{
		Workers:   cfg.Usage.Workers,
		QueueSize: cfg.Usage.QueueSize,
		Logger:    logger,
	})

	// 5. HTTP server
	shutdown, err := parseDuration("server.shutdown_timeout", cfg.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout)
	if err != nil {
		return err
	}
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = shutdown
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srvCfg.LoginPerMinute = cfg.RateLimit.LoginPerMinute
	srvCfg.MetricsEnabled = cfg.Metrics.Enabled
	srvCfg.Version = versionString()

	deps := server.Deps{
		Registry: registry,
		Store:    store,
		Auth:     authSvc,
		Keys:     keySvc,
		Limiter:  limiter,
		Recorder: recorder,
		Logger:   logger,
	}
	if !noMCP {
		deps.MCP = mcp.NewMCPServer(registry, store, keySvc, logger, versionString()).Handler()
	}
	srv := server.New(srvCfg, deps)

	fmt.Printf("→ keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Rate limit: %s backend\n", limiterBackend(cfg))
	fmt.Printf("→ Connected databases: %d\n", len(registry.ListServices()))
	fmt.Println()

	return srv.ListenAndServe()
}

func limiterBackend(cfg *config.FileConfig) string {
	if cfg.RateLimit.Backend == "" {
		return ratelimit.BackendLedger
	}
	return cfg.RateLimit.Backend
}

// newLimiter builds the configured rate limit backend. The redis backend gets
// its own client from redis.url.
func newLimiter(cfg *config.FileConfig, store *config.Store, logger *slog.Logger) (ratelimit.Limiter, error) {
	rlCfg := ratelimit.Config{
		Backend:  limiterBackend(cfg),
		FailOpen: cfg.RateLimit.FailOpen,
		Counter:  store,
		Logger:   logger,
	}
	if rlCfg.Backend == ratelimit.BackendRedis {
		client, err := newRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rlCfg.RedisClient = client
	}
	return ratelimit.New(rlCfg)
}

func newRedisClient(rc config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis.url: %w", err)
	}
	if rc.Password != "" {
		opts.Password = rc.Password
	}
	return redis.NewClient(opts), nil
}
