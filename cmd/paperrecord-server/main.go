package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/paperrecord/internal/config"
	"github.com/ehr/paperrecord/internal/domain/paperrecord"
	"github.com/ehr/paperrecord/internal/domain/patient"
	"github.com/ehr/paperrecord/internal/platform/auth"
	"github.com/ehr/paperrecord/internal/platform/db"
	"github.com/ehr/paperrecord/internal/platform/idgen"
	"github.com/ehr/paperrecord/internal/platform/location"
	"github.com/ehr/paperrecord/internal/platform/middleware"
	"github.com/ehr/paperrecord/internal/platform/printer"
	"github.com/ehr/paperrecord/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "paperrecord-server",
		Short: "Paper medical record tracking server",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(expireCmd())
	root.AddCommand(identifierSourceCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the paper record API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS returns the embedded migrations unless dir names a directory
// on disk.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// connect loads and validates configuration and opens the pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
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
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
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

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// expireCmd runs one expiry pass for a request kind, for cron-driven
// deployments that disable the in-process sweeper.
func expireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "expire [pull|create]",
		Short:     "Cancel pending paper record requests older than the expiry window",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(paperrecord.KindPull), string(paperrecord.KindCreate)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := paperrecord.ParseKind(args[0])
			if !ok {
				return fmt.Errorf("unknown request kind %q", args[0])
			}
			hours, _ := cmd.Flags().GetInt("hours")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			window := expiryWindow(cfg, kind, hours)
			svc, _ := buildServices(pool, cfg, newLogger(cfg.Env))
			n, err := svc.ExpirePending(ctx, kind, time.Now().Add(-window))
			if err != nil {
				return fmt.Errorf("expire %s requests: %w", kind, err)
			}
			fmt.Printf("Cancelled %d %s request(s) older than %s.\n", n, kind, window)
			return nil
		},
	}
	cmd.Flags().Int("hours", 0, "Override the configured expiry window in hours")
	return cmd
}

// expiryWindow picks the configured window for kind unless hours overrides it.
func expiryWindow(cfg *config.Config, kind paperrecord.Kind, hours int) time.Duration {
	if hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	if kind == paperrecord.KindCreate {
		return cfg.CreateExpiry()
	}
	return cfg.PullExpiry()
}

func identifierSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identifier-source",
		Short: "Manage paper record identifier sequences",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register an identifier sequence for a medical record location",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawLocation, _ := cmd.Flags().GetString("location")
			prefix, _ := cmd.Flags().GetString("prefix")
			minLength, _ := cmd.Flags().GetInt("min-length")
			first, _ := cmd.Flags().GetInt64("first")
			identifierType, _ := cmd.Flags().GetString("type")

			locationID, err := uuid.Parse(rawLocation)
			if err != nil {
				return fmt.Errorf("--location must be a location id: %w", err)
			}
			if first < 1 {
				return fmt.Errorf("--first must be positive")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if identifierType == "" {
				identifierType = cfg.PaperRecordIdentifierType
			}
			src := idgen.Source{
				IdentifierType: identifierType,
				LocationID:     locationID,
				Prefix:         prefix,
				MinLength:      minLength,
			}
			if err := idgen.NewPGGenerator(pool, newLogger(cfg.Env)).EnsureSource(ctx, src, first); err != nil {
				return err
			}
			fmt.Printf("Identifier source %s at %s ready (first identifier %s).\n",
				identifierType, locationID, src.Format(first))
			return nil
		},
	}
	addCmd.Flags().String("location", "", "Medical record location id")
	addCmd.Flags().String("prefix", "", "Identifier prefix")
	addCmd.Flags().Int("min-length", 6, "Minimum number of digits")
	addCmd.Flags().Int64("first", 1, "First sequence value")
	addCmd.Flags().String("type", "", "Identifier type (defaults to PAPER_RECORD_IDENTIFIER_TYPE)")
	_ = addCmd.MarkFlagRequired("location")

	cmd.AddCommand(addCmd)
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildServices wires the paper record service and the patient directory it
// hooks into for patient merges.
func buildServices(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*paperrecord.Service, *patient.Service) {
	txRunner := db.NewTxRunner(pool)

	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool), txRunner, logger)
	locations := location.NewResolver(location.NewStorePG(pool), location.ResolverConfig{
		MedicalRecordTag: cfg.MedicalRecordLocationTag,
		ArchivesTag:      cfg.ArchivesLocationTag,
		CacheSize:        cfg.LocationCacheSize,
		CacheTTL:         cfg.LocationCacheTTL,
	})

	svc := paperrecord.NewService(paperrecord.Deps{
		Store:     paperrecord.NewStorePG(pool),
		Patients:  patientSvc,
		Locations: locations,
		IDs:       idgen.NewPGGenerator(pool, logger),
		Printer:   printer.NewSocketDispatcher(printer.NewRegistryPG(pool), cfg.PrinterTimeout, logger),
		Tx:        txRunner,
	}, paperrecord.Config{
		IdentifierType:     cfg.PaperRecordIdentifierType,
		FormLabelsOnCreate: cfg.FormLabelsOnCreate,
		FormLabelsOnPull:   cfg.FormLabelsOnPull,
	}, logger)

	patientSvc.RegisterMergeAction(paperrecord.NewMergeAction(svc))
	return svc, patientSvc
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, patientSvc := buildServices(pool, cfg, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health and metrics stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API group
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	paperrecord.NewHandler(svc).RegisterRoutes(apiV1)

	sweeper := paperrecord.NewSweeper(svc, cfg.PullExpiry(), cfg.CreateExpiry(), cfg.ExpirySweepInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
