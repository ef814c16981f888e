package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/doctrust/internal/config"
	"github.com/ehr/doctrust/internal/domain/signature"
	"github.com/ehr/doctrust/internal/domain/sigrequest"
	"github.com/ehr/doctrust/internal/platform/auth"
	"github.com/ehr/doctrust/internal/platform/cache"
	"github.com/ehr/doctrust/internal/platform/db"
	"github.com/ehr/doctrust/internal/platform/hipaa"
	"github.com/ehr/doctrust/internal/platform/metrics"
	"github.com/ehr/doctrust/internal/platform/middleware"
	"github.com/ehr/doctrust/internal/platform/pki"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "doctrust-server",
		Short:        "Medical document signing and verification server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(identityCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration and logs what Load noticed.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(nil), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				logger.Error().Err(err).Msg("failed to load config")
				return err
			}
			return runServer(cfg, logger)
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
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		if s.Drifted {
			status = "drifted"
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or replace the signing identity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current signing certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := keyStore(cfg, logger)
			if err != nil {
				return err
			}
			id, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			printCertificate(cmd, pki.DescribeCertificate(id.Certificate))
			return nil
		},
	})

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new signing identity, replacing the current one",
		Long: "Generate a new signing identity. Signatures made with the old key keep " +
			"their embedded certificate and still verify, but new signatures use the new key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to rotate without --yes")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := keyStore(cfg, logger)
			if err != nil {
				return err
			}
			a, err := pki.Generate(cmd.Context(), store, subjectFromConfig(cfg), logger)
			if err != nil {
				return err
			}
			info, err := a.Info()
			if err != nil {
				return err
			}
			printCertificate(cmd, info)
			return nil
		},
	}
	rotate.Flags().Bool("yes", false, "Confirm replacing the current identity")
	cmd.AddCommand(rotate)

	return cmd
}

func printCertificate(cmd *cobra.Command, info *pki.CertificateInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subject:     CN=%s, O=%s, C=%s\n", info.Subject.CommonName, info.Subject.Organization, info.Subject.Country)
	fmt.Fprintf(out, "Issuer:      %s\n", info.Issuer)
	fmt.Fprintf(out, "Serial:      %s\n", info.SerialNumber)
	fmt.Fprintf(out, "Valid from:  %s\n", info.NotBefore.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Valid to:    %s\n", info.NotAfter.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Fingerprint: %s\n", info.Fingerprint)
}

func subjectFromConfig(cfg *config.Config) pki.Subject {
	return pki.Subject{
		Organization: cfg.SignerOrganization,
		CommonName:   cfg.SignerCommonName,
		Email:        cfg.SignerEmail,
		Country:      cfg.SignerCountry,
	}
}

// keyStore seals the private key with the field encryption secret when one
// is configured.
func keyStore(cfg *config.Config, logger zerolog.Logger) (*pki.FileKeyStore, error) {
	enc, err := hipaa.NewEncryptionService(cfg.FieldEncryptionSecret, logger)
	if err != nil {
		return nil, err
	}
	var sealer pki.Sealer
	if e := enc.Encryptor(); e != nil {
		sealer = e
	}
	return pki.NewFileKeyStore(cfg.IdentityDir, sealer), nil
}

// server is the wired application plus everything that must be closed
// when it stops.
type server struct {
	echo    *echo.Echo
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.Close()
		return nil, err
	}

	// Database
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		pool = p
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	// Field encryption and signing identity
	enc, err := hipaa.NewEncryptionService(cfg.FieldEncryptionSecret, logger)
	if err != nil {
		return fail(err)
	}
	var sealer pki.Sealer
	if e := enc.Encryptor(); e != nil {
		sealer = e
	}
	authority, err := pki.LoadOrGenerate(ctx, pki.NewFileKeyStore(cfg.IdentityDir, sealer), subjectFromConfig(cfg), logger)
	if err != nil {
		return fail(fmt.Errorf("load signing identity: %w", err))
	}

	// Audit trail and documents
	var audit hipaa.AuditTrail = hipaa.NewMemoryAuditTrail()
	var docs signature.DocumentRepository = signature.NewMemoryDocumentRepo()
	if pool != nil {
		audit = hipaa.NewPGAuditTrail(pool)
		docs = signature.NewDocumentRepoPG(pool, enc)
	}

	verificationCache, err := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		return fail(fmt.Errorf("create cache: %w", err))
	}
	srv.closers = append(srv.closers, func() { _ = verificationCache.Close() })

	m := metrics.New(nil)

	signer := signature.NewSigner(authority, audit, cfg.PublicBaseURL, logger, signature.WithMetrics(m))
	sigSvc := signature.NewService(signature.ServiceDeps{
		Documents: docs,
		Signer:    signer,
		Verifier:  signature.NewVerifier(),
		Authority: authority,
		Audit:     audit,
		Cache:     verificationCache,
		Metrics:   m,
		Logger:    logger,
	})

	// Signature requests
	var store sigrequest.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store = sigrequest.NewPGStore(pool)
	case config.BackendBadger:
		bdb, err := sigrequest.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { closeBadger(bdb, logger) })
		store = sigrequest.NewBadgerStore(bdb)
	default:
		store = sigrequest.NewMemoryStore()
	}
	tokens, err := sigrequest.NewTokens([]byte(cfg.SigningTokenSecret), nil)
	if err != nil {
		return fail(err)
	}
	reqSvc := sigrequest.NewService(sigrequest.Deps{
		Store:     store,
		Tokens:    tokens,
		Authority: authority,
		Audit:     audit,
		Metrics:   m,
		BaseURL:   cfg.PublicBaseURL,
		Logger:    logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	checks := []db.Check{{Name: "cache", Ping: verificationCache.Ping}}
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		checks = append(checks, db.PoolCheck(pool))
		e.GET("/health/db", db.HealthHandler(db.PoolCheck(pool)))
	}
	e.GET("/health/ready", db.HealthHandler(checks...))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	}
	api := e.Group("/api", authMW, middleware.RateLimit(rateLimitCfg))

	signature.NewHandler(sigSvc).RegisterRoutes(api)
	sigrequest.NewHandler(reqSvc).RegisterRoutes(api)

	srv.echo = e
	return srv, nil
}

func closeBadger(bdb *badger.DB, logger zerolog.Logger) {
	if err := bdb.Close(); err != nil {
		logger.Error().Err(err).Msg("close badger")
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer srv.Close()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
