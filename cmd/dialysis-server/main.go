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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dialysis/dialysis/internal/config"
	"github.com/dialysis/dialysis/internal/domain/asset"
	"github.com/dialysis/dialysis/internal/domain/cycle"
	"github.com/dialysis/dialysis/internal/domain/inventory"
	"github.com/dialysis/dialysis/internal/domain/scheduling"
	"github.com/dialysis/dialysis/internal/domain/session"
	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/internal/platform/lock"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/internal/platform/middleware"
	"github.com/dialysis/dialysis/internal/platform/notification"
	"github.com/dialysis/dialysis/internal/platform/sandbox"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dialysis-server",
		Short: "Dialysis center operations API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cyclesCmd())
	rootCmd.AddCommand(seedCmd())
	return rootCmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func cyclesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Manage treatment cycles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Close every treatment cycle that has ended and start the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env, os.Stderr)
			tx := db.NewTxManager(pool, cfg.TxMaxRetries, logger)
			svc := cycle.NewService(cycle.NewPatientRepoPG(pool), cycle.NewHistoryRepoPG(pool),
				cycle.NewSessionCounterPG(pool), tx, nil, logger)

			ctx = auth.WithActor(ctx, cycle.SystemActor, []string{"admin"})
			closed, err := svc.ProcessExpiredCycles(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d expired cycle(s).\n", closed)
			return err
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	defaults := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo master data",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedCfg := sandbox.SeedConfig{}
			seedCfg.Centers, _ = cmd.Flags().GetInt("centers")
			seedCfg.MachinesPerCenter, _ = cmd.Flags().GetInt("machines")
			seedCfg.PatientsPerCenter, _ = cmd.Flags().GetInt("patients")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")
			if err := seedCfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env, os.Stderr)
			seeder := sandbox.NewSeeder(seedCfg, pool, db.NewTxManager(pool, cfg.TxMaxRetries, logger), logger)
			result, err := seeder.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d center(s), %d machine(s), %d patient(s), %d note type(s), %d item type(s).\n",
				result.Centers, result.Machines, result.Patients, result.NoteTypes, result.ItemTypes)
			return nil
		},
	}
	cmd.Flags().Int("centers", defaults.Centers, "Number of centers")
	cmd.Flags().Int("machines", defaults.MachinesPerCenter, "Dialysis machines per center")
	cmd.Flags().Int("patients", defaults.PatientsPerCenter, "Patients per center")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis backs reservation locks and alert fan-out when configured.
	var (
		locker    lock.Locker = lock.Nop{}
		publisher notification.Publisher
		checks    []db.Check
	)
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		publisher = notification.NewRedisPublisher(rdb)
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info().Msg("connected to redis")
	} else {
		publisher = notification.NewLogPublisher(logger)
		logger.Warn().Msg("REDIS_URL not set, reservation locks run in-process only")
	}

	txm := db.NewTxManager(pool, cfg.TxMaxRetries, logger)
	m := metrics.New(cfg.MetricsNamespace)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevActorHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
		}))
	}

	// Alerts
	alerts := notification.NewManager(publisher, notification.NewTemplateEngine(), 500, logger)
	notification.NewHandler(alerts).RegisterRoutes(apiV1)

	// Treatment cycles
	cycleSvc := cycle.NewService(cycle.NewPatientRepoPG(pool), cycle.NewHistoryRepoPG(pool),
		cycle.NewSessionCounterPG(pool), txm, m, logger)
	cycle.NewHandler(cycleSvc).RegisterRoutes(apiV1)

	// Scheduling
	schedSvc := scheduling.NewService(scheduling.NewAppointmentRepoPG(pool), scheduling.NewSlotRepoPG(pool),
		scheduling.NewCenterRepoPG(pool), txm, locker, cycleSvc, m, logger)
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1)

	// Machine allocation
	assetSvc := asset.NewService(asset.NewAssignmentRepoPG(pool), txm, locker, m, logger)
	asset.NewHandler(assetSvc).RegisterRoutes(apiV1)

	// Sessions
	sessionSvc := session.NewService(session.Repositories{
		Sessions:      session.NewSessionRepoPG(pool),
		Timeline:      session.NewTimelineRepoPG(pool),
		Complications: session.NewComplicationRepoPG(pool),
		Notes:         session.NewNoteRepoPG(pool),
		NoteTypes:     session.NewNoteTypeRepoPG(pool),
	}, schedSvc, assetSvc, alerts, txm, m, cfg.NoteTypeCacheTTL, logger)
	session.NewHandler(sessionSvc).RegisterRoutes(apiV1)

	// Inventory
	invSvc := inventory.NewService(inventory.Repositories{
		ItemTypes: inventory.NewItemTypeRepoPG(pool),
		Stock:     inventory.NewStockRepoPG(pool),
		Items:     inventory.NewItemRepoPG(pool),
		Usage:     inventory.NewUsageRepoPG(pool),
		Discards:  inventory.NewDiscardRepoPG(pool),
	}, sessionSvc, txm, m, logger)
	inventory.NewHandler(invSvc).RegisterRoutes(apiV1)

	// Cycle sweeper
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.CycleSweepEnabled {
		sweeper := cycle.NewSweeper(cycleSvc, cfg.CycleSweepInterval, logger)
		go sweeper.Start(workerCtx)
		logger.Info().Dur("interval", cfg.CycleSweepInterval).Msg("cycle sweeper started")
	}

	// Graceful shutdown
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
	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
