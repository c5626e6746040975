package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bloodbank/bloodbank/internal/config"
	"github.com/bloodbank/bloodbank/internal/domain/audit"
	"github.com/bloodbank/bloodbank/internal/domain/dashboard"
	"github.com/bloodbank/bloodbank/internal/domain/donor"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/reporting"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/cache"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/middleware"
	"github.com/bloodbank/bloodbank/internal/platform/notify"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
	"github.com/bloodbank/bloodbank/internal/scheduler"
	"github.com/bloodbank/bloodbank/migrations"
)

const (
	version        = "0.1.0"
	cacheKeyPrefix = "bloodbank:"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bloodbank-server",
		Short: "Blood unit inventory server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(inventoryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s) to schema %s\n", n, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return err
			}
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func inventoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inventory maintenance tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep-expired",
		Short: "Mark available units past their expiry date as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInventory(func(ctx context.Context, svc *inventory.Service) error {
				n, err := svc.ExpireDue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d unit(s)\n", n)
				return nil
			})
		},
	})

	orphansCmd := &cobra.Command{
		Use:   "orphans",
		Short: "List units whose donor no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withInventory(func(ctx context.Context, svc *inventory.Service) error {
				units, err := svc.ListOrphans(ctx, limit)
				if err != nil {
					return err
				}
				printOrphans(os.Stdout, units)
				return nil
			})
		},
	}
	orphansCmd.Flags().Int("limit", 100, "Maximum number of units to list")
	cmd.AddCommand(orphansCmd)

	return cmd
}

func printOrphans(w io.Writer, units []*inventory.BloodUnit) {
	if len(units) == 0 {
		fmt.Fprintln(w, "No orphaned units")
		return
	}
	fmt.Fprintf(w, "%-28s %-10s %-12s %s\n", "UNIT ID", "DONOR", "STATUS", "COLLECTED")
	for _, u := range units {
		fmt.Fprintf(w, "%-28s %-10d %-12s %s\n", u.UnitID, u.DonorID, u.Status, u.CollectionDate.Format(inventory.DateLayout))
	}
}

// withInventory runs fn against a service backed by a fresh pool. Used by
// the one-shot maintenance commands.
func withInventory(fn func(ctx context.Context, svc *inventory.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, repo := newInventoryService(cfg, pool, logger)
	if cfg.NotifyWebhookURL != "" {
		svc.SetNotifier(notify.NewWebhook(cfg.NotifyWebhookURL, logger))
	}
	// Changes made here must still clear the summary the server caches.
	agg, closeCache, err := newDashboard(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	svc.AddChangeListener(agg)
	return fn(ctx, svc)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newInventoryService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*inventory.Service, *inventory.RepoPG) {
	repo := inventory.NewRepoPG(pool)
	auditSvc := audit.NewService(audit.NewRepoPG(pool))
	svc := inventory.NewService(db.NewPoolTransactor(pool), repo, donor.NewRepoPG(pool), auditSvc, inventory.Options{
		UnitIDPrefix:     cfg.UnitIDPrefix,
		ShelfLifeDays:    cfg.ShelfLifeDays,
		ExpiringSoonDays: cfg.ExpiringSoonDays,
	}, logger)
	return svc, repo
}

// newDashboard builds the aggregator, backed by the Redis summary cache when
// REDIS_URL is set. The returned func releases the Redis client.
func newDashboard(ctx context.Context, cfg *config.Config, counts dashboard.Counter, logger zerolog.Logger) (*dashboard.Aggregator, func() error, error) {
	agg := dashboard.NewAggregator(counts, dashboard.Thresholds{
		Critical: cfg.LowStockCritical,
		Warning:  cfg.LowStockWarning,
	}, logger)
	if cfg.RedisURL == "" {
		return agg, func() error { return nil }, nil
	}

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := cache.Ping(ctx, rdb); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable; dashboard reads fall back to the database")
	}
	agg.SetCache(cache.NewRedisStore(rdb, cacheKeyPrefix), cfg.DashboardCacheTTL)
	return agg, rdb.Close, nil
}

// newEcho builds the server with global middleware and the unauthenticated
// operational endpoints. Domain routes are added under /api/v1 by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, dbHealth echo.HandlerFunc) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/blood-units/export", "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	e.GET("/metrics", metrics.Handler())

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	return e, apiV1
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	metrics := telemetry.New()

	// Inventory
	invSvc, invRepo := newInventoryService(cfg, pool, logger)
	invSvc.SetMetrics(metrics)
	if cfg.NotifyWebhookURL != "" {
		hook := notify.NewWebhook(cfg.NotifyWebhookURL, logger)
		hook.SetMetrics(metrics)
		invSvc.SetNotifier(hook)
		logger.Info().Str("url", cfg.NotifyWebhookURL).Msg("status change webhook enabled")
	}

	// Dashboard
	agg, closeCache, err := newDashboard(ctx, cfg, invRepo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	defer closeCache()
	agg.SetMetrics(metrics)
	invSvc.AddChangeListener(agg)

	// Expiry sweep
	sched := scheduler.New(invSvc, cfg.ExpirySweepSchedule, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start expiry sweep")
	}

	e, apiV1 := newEcho(cfg, logger, metrics, db.HealthHandler(pool, func() *db.PoolStats {
		return db.GetPoolStats(pool)
	}))

	inventory.NewHandler(invSvc).RegisterRoutes(apiV1)
	reporting.NewHandler(invSvc, logger).RegisterRoutes(apiV1)
	dashboard.NewHandler(agg).RegisterRoutes(apiV1)
	audit.NewHandler(audit.NewService(audit.NewRepoPG(pool))).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	<-sched.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
