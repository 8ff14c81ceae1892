package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imageehr/ehr/internal/config"
	"github.com/imageehr/ehr/internal/domain/login"
	"github.com/imageehr/ehr/internal/domain/loginaudit"
	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/auth"
	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/internal/platform/geo"
	"github.com/imageehr/ehr/internal/platform/middleware"
	"github.com/imageehr/ehr/internal/platform/session"
	"github.com/imageehr/ehr/migrations"
)

const (
	serviceName = "IMAGE EHR"
	version     = "0.1.0"

	defaultBodyLimit  = "1M"
	loginBodyLimit    = "16K"
	shutdownTimeout   = 10 * time.Second
	memorySweepPeriod = time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "IMAGE EHR authentication and session service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(principalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EHR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			writeMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "WARNING: migrate down is not supported by the built-in runner.")
			fmt.Fprintln(cmd.OutOrStdout(), "The login_attempts table is append-only; write a new forward migration instead.")
			return nil
		},
	})

	return cmd
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func writeMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveSigningKey returns the configured session signing key or, when none
// is set, a random one. The second return value is true when the key was
// generated.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		return key, false, nil
	}
	key, err = session.RandomKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate session signing key: %w", err)
	}
	return key, true, nil
}

// newSessionStore opens the session store selected by SESSION_STORE.
func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case "redis":
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store := session.NewRedisStore(client)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect session store: %w", err)
		}
		return store, nil
	case "memory", "":
		return session.NewMemoryStore(memorySweepPeriod), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

func rateLimitConfig(rps float64, burst int, fallback middleware.RateLimitConfig) middleware.RateLimitConfig {
	if rps <= 0 || burst <= 0 {
		return fallback
	}
	return middleware.RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst}
}

// services are the collaborators newServer mounts.
type services struct {
	principals principal.Repository
	clinics    principal.ClinicRepository
	attempts   loginaudit.Store
	sessions   *session.Manager
	orch       *login.Orchestrator
	dbHealth   echo.HandlerFunc
}

func newServer(cfg *config.Config, logger zerolog.Logger, svc services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Only loopback and private-range proxies may set X-Forwarded-For.
	e.IPExtractor = echo.ExtractIPFromXFFHeader()

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.CookieSecure}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(defaultBodyLimit, loginBodyLimit))

	// Session middleware
	e.Use(auth.SessionMiddleware(auth.SessionConfig{
		Manager:    svc.sessions,
		Checker:    svc.principals,
		CookieName: cfg.SessionCookieName,
		Skipper:    auth.AuthSkipper,
		Logger:     logger,
	}))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Login and logout
	loginHandler := login.NewHandler(svc.orch, login.CookieConfig{
		Name:   cfg.SessionCookieName,
		Secure: cfg.CookieSecure,
	}, svc.clinics)
	loginLimit := rateLimitConfig(cfg.LoginRateLimitRPS, cfg.LoginRateLimitBurst, middleware.DefaultLoginRateLimitConfig())
	loginLimit.DenyHandler = loginHandler.Throttled
	loginHandler.RegisterRoutes(e, middleware.RateLimit(loginLimit))

	// API groups
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitConfig(
		cfg.RateLimitRPS, cfg.RateLimitBurst, middleware.DefaultRateLimitConfig(),
	)))
	loginHandler.RegisterAPIRoutes(apiV1)

	adminGroup := apiV1.Group("/admin", auth.RequireRole(principal.RoleAdmin))
	principal.NewHandler(svc.principals, svc.clinics).RegisterRoutes(adminGroup)
	loginaudit.NewHandler(svc.attempts).RegisterRoutes(adminGroup)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":      "healthy",
			"service":     serviceName,
			"version":     version,
			"environment": cfg.Env,
		})
	})
	if svc.dbHealth != nil {
		e.GET("/health/db", svc.dbHealth)
	}

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	principals := principal.NewRepo(pool, cfg.DBAcquireTimeout)
	clinics := principal.NewClinicRepo(pool, cfg.DBAcquireTimeout)
	attempts := loginaudit.NewStore(pool, cfg.DBAcquireTimeout)

	// Sessions
	store, err := newSessionStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open session store")
		return err
	}
	defer store.Close()

	key, generated, err := resolveSigningKey(cfg)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn().Msg("SESSION_SIGNING_KEY not set; sessions are signed with a random key and end on restart")
	}
	signer, err := session.NewSigner(key)
	if err != nil {
		return err
	}
	sessions := session.NewManager(store, signer, cfg.SessionTTL)
	logger.Info().Str("store", cfg.SessionStore).Dur("ttl", cfg.SessionTTL).Msg("session manager ready")

	// Credential verification
	matcher := principal.NewLegacyAwareMatcher(cfg.BcryptCost)
	decoy, err := matcher.Hash(uuid.NewString())
	if err != nil {
		return fmt.Errorf("hash decoy credential: %w", err)
	}
	verifier := principal.NewVerifier(principals, matcher, principal.Limits{
		MaxUsernameLen: cfg.LoginMaxUsernameLen,
		MaxPasswordLen: cfg.LoginMaxPasswordLen,
	}).WithDecoy(decoy)

	// Login orchestration
	orch := login.NewOrchestrator(login.Config{
		Verifier:     verifier,
		Sessions:     sessions,
		Audit:        attempts,
		Geo:          geo.NewClient(cfg.GeoLookupURL, cfg.GeoTimeout, geo.WithCacheTTL(cfg.GeoCacheTTL)),
		LastLogin:    principals,
		StoreTimeout: cfg.StoreTimeout,
		AuditWait:    cfg.AuditWait,
		Logger:       logger,
	})

	e := newServer(cfg, logger, services{
		principals: principals,
		clinics:    clinics,
		attempts:   attempts,
		sessions:   sessions,
		orch:       orch,
		dbHealth:   db.HealthHandler(pool, db.Check{Name: "sessions", Ping: sessions.Ping}),
	})

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending audit writes abandoned")
	}
	logger.Info().Msg("server stopped")
	return nil
}
