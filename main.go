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
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"houseplans.app/cloud/handlers"
	"houseplans.app/cloud/internal/assets"
	"houseplans.app/cloud/internal/auth"
	"houseplans.app/cloud/internal/config"
	"houseplans.app/cloud/internal/credential"
	"houseplans.app/cloud/internal/email"
	"houseplans.app/cloud/internal/ledger"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/mpesa"
	"houseplans.app/cloud/internal/ratelimit"
	"houseplans.app/cloud/internal/version"
	"houseplans.app/cloud/internal/watermark"
	"houseplans.app/cloud/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	version.Version = version.Load("VERSION", version.Version)

	godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "issue-admin-token" {
		if err := issueAdminToken(os.Args[2:], os.Getenv("JWT_SECRET"), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		logger.Error("server exited", map[string]interface{}{"error": err.Error()})
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version.Version,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	srv, err := newServer(ctx, cfg, store)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WatermarkTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("house plans API starting", map[string]interface{}{
			"version": version.Version,
			"port":    cfg.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newServer wires the purchase flow onto store and returns the HTTP handler.
func newServer(ctx context.Context, cfg *config.Config, store storage.Storage) (*handlers.Server, error) {
	seeded, err := storage.LoadCatalog(ctx, store, cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if seeded > 0 {
		logger.Info("catalog loaded", map[string]interface{}{"products": seeded})
	}

	files, err := openAssets(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []ledger.Option
	if cfg.SMTPEnabled() {
		opts = append(opts, ledger.WithNotifier(email.NewSender(cfg)))
	} else {
		logger.Info("SMTP not configured, new purchases will not be emailed", nil)
	}
	svc := ledger.NewService(store, credential.New(), opts...)
	pipeline := watermark.NewPipeline(svc, files, cfg.WatermarkText, cfg.WatermarkTimeout)

	deps := handlers.Deps{
		Ledger:         svc,
		Downloads:      pipeline,
		RequireAdmin:   auth.New(cfg.JWTSecret, auth.DefaultTokenTTL).RequireAdmin,
		Limiter:        ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow),
		TrustedProxies: cfg.TrustedProxies,
		CORSOrigins:    cfg.CORSOrigins,
		Version:        version.Version,
	}
	if cfg.MPesa.Enabled() {
		deps.Payments = mpesa.NewClient(cfg.MPesa, nil)
	} else {
		logger.Info("M-Pesa not configured, STK push disabled", nil)
	}

	return handlers.NewHttpServer(deps), nil
}

func openAssets(ctx context.Context, cfg *config.Config) (assets.Store, error) {
	if cfg.AssetStore == config.AssetStoreS3 {
		client, err := assets.NewS3Client(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		store := assets.NewS3Store(client, cfg.S3.Bucket)
		if err := store.CheckBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := assets.NewFileStore(cfg.AssetDir)
	if err != nil {
		return nil, fmt.Errorf("open asset dir: %w", err)
	}
	return store, nil
}

// issueAdminToken prints a bearer token for the admin review routes.
func issueAdminToken(args []string, secret string, out io.Writer) error {
	var (
		subject string
		ttl     time.Duration
	)
	fs := pflag.NewFlagSet("issue-admin-token", pflag.ContinueOnError)
	fs.StringVar(&subject, "subject", "", "operator identity recorded on reviews")
	fs.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if len(secret) < 32 {
		return errors.New("JWT_SECRET must be set and at least 32 bytes")
	}

	token, expires, err := auth.New(secret, ttl).IssueToken(subject, auth.RoleAdmin)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
