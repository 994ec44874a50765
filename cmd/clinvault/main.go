package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinvault/internal/config"
	"github.com/ehr/clinvault/internal/domain/amendment"
	"github.com/ehr/clinvault/internal/domain/privatenote"
	"github.com/ehr/clinvault/internal/platform/auth"
	"github.com/ehr/clinvault/internal/platform/db"
	"github.com/ehr/clinvault/internal/platform/events"
	"github.com/ehr/clinvault/internal/platform/hipaa"
	"github.com/ehr/clinvault/internal/platform/keys"
	"github.com/ehr/clinvault/internal/platform/middleware"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinvault",
		Short:        "Clinical record protection and legal-status service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(keysCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

// app holds the wired components shared by serve and the keys commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	keys      *keys.Manager
	audit     *hipaa.AuditLogger
	engine    *hipaa.Engine
	hub       *events.Hub
	amendment *amendment.Service
	notes     *privatenote.Service
}

// connect loads configuration and opens the database.
func connect(ctx context.Context) (*config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger := newLogger(cfg)
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, logger, nil, err
	}
	return cfg, logger, pool, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, pool, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		pool.Close()
		return nil, err
	}
	a, err := wire(cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	km, err := keys.NewManager(cfg.MasterEncryptionKey, keys.NewPGStore(pool), keys.Options{KeyTTL: cfg.KeyTTL, ActiveRecheck: cfg.KeyActiveRecheck}, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		keys:   km,
		audit:  hipaa.NewAuditLogger(pool, logger),
		hub:    events.NewHub(cfg.EventBuffer, logger),
	}
	a.engine = hipaa.NewEngine(km, a.audit, logger)
	a.amendment = amendment.NewService(
		amendment.NewSessionRepoPG(pool),
		amendment.NewAddendumRepoPG(pool),
		db.NewTransactor(pool),
		a.engine, a.audit, a.hub, logger,
	)
	a.notes = privatenote.NewService(privatenote.NewRepoPG(pool), a.engine, a.audit, logger)
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// routes builds the HTTP server.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(a.cfg.MaxBodyBytes))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", db.HealthHandler(a.pool, db.HealthCheck{Name: "keys", Check: a.keys.Check}))

	api := e.Group("/api/v1")
	if a.cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}

	amendment.NewHandler(a.amendment).RegisterRoutes(api)
	privatenote.NewHandler(a.notes).RegisterRoutes(api)
	events.NewStreamHandler(a.hub, a.cfg.CORSOrigins).RegisterRoutes(api)
	return e
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.IsDev() {
				a.logger.Warn().Msg("development mode: every request without X-Dev-User runs as an admin")
			}

			// Resolve the active clinical key up front so a bad store
			// surfaces at startup.
			if _, err := a.keys.ActiveKey(ctx, keys.PurposeClinicalNotes); err != nil {
				return fmt.Errorf("initialize clinical key: %w", err)
			}

			e := a.routes()
			errc := make(chan error, 1)
			go func() {
				addr := ":" + a.cfg.Port
				a.logger.Info().Str("addr", addr).Msg("starting server")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("server: %w", err)
				}
			case <-ctx.Done():
			}

			a.logger.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			a.logger.Info().Msg("server stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printMigrations(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	w.Flush()
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [purpose]",
		Short: "List key metadata, for one purpose or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purposes := keys.Purposes
			if len(args) == 1 {
				p, err := keys.ParsePurpose(args[0])
				if err != nil {
					return err
				}
				purposes = []keys.Purpose{p}
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var all []*keys.KeyMetadata
			for _, p := range purposes {
				ks, err := a.keys.ListKeys(cmd.Context(), p)
				if err != nil {
					return err
				}
				all = append(all, ks...)
			}
			printKeys(cmd.OutOrStdout(), all, time.Now().UTC())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <purpose>",
		Short: "Deactivate the active key for a purpose and activate a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := keys.ParsePurpose(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			rot, err := a.keys.RotateKey(cmd.Context(), p)
			if err != nil {
				return err
			}
			if rot.Old != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Retired %s (v%d).\n", rot.Old.KeyID, rot.Old.Version)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active key for %s is now %s (v%d).\n", p, rot.New.KeyID, rot.New.Version)
			if p == keys.PurposeClinicalNotes {
				fmt.Fprintln(cmd.OutOrStdout(), "Run `clinvault keys reencrypt` to migrate existing addenda.")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key; content sealed under it can no longer be decrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			k, err := a.keys.RevokeKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s v%d).\n", k.KeyID, k.Purpose, k.Version)
			return nil
		},
	})

	reencrypt := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt addenda sealed under retired clinical-notes keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			total, err := reencryptAll(cmd.Context(), a.amendment, batch)
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, migrated %d, skipped %d, failed %d.\n",
				total.Scanned, total.Migrated, total.Skipped, total.Failed)
			if err != nil {
				return err
			}
			if total.Failed > 0 {
				return fmt.Errorf("%d addenda could not be re-encrypted", total.Failed)
			}
			return nil
		},
	}
	reencrypt.Flags().Int("batch", 100, "Addenda per batch")
	cmd.AddCommand(reencrypt)

	return cmd
}

type reencrypter interface {
	ReEncryptAddendums(ctx context.Context, after *amendment.ReEncryptCursor, limit int) (*amendment.ReEncryptResult, error)
}

// reencryptAll pages through every addendum not under the active key, one
// batch at a time, until a batch scans nothing.
func reencryptAll(ctx context.Context, svc reencrypter, batch int) (amendment.ReEncryptResult, error) {
	var (
		total amendment.ReEncryptResult
		after *amendment.ReEncryptCursor
	)
	for {
		res, err := svc.ReEncryptAddendums(ctx, after, batch)
		if err != nil {
			return total, err
		}
		if res.Scanned == 0 {
			return total, nil
		}
		total.Scanned += res.Scanned
		total.Migrated += res.Migrated
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		after = res.Next
	}
}

func printKeys(out io.Writer, ks []*keys.KeyMetadata, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tPURPOSE\tVERSION\tSTATE\tCREATED\tEXPIRES")
	for _, k := range ks {
		expires := "-"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			k.KeyID, k.Purpose, k.Version, keyState(k, now), k.CreatedAt.UTC().Format(time.RFC3339), expires)
	}
	w.Flush()
}

func keyState(k *keys.KeyMetadata, now time.Time) string {
	switch {
	case k.Revoked():
		return "revoked"
	case k.Expired(now):
		return "expired"
	case k.IsActive:
		return "active"
	}
	return "retired"
}
