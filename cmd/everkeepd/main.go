package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/everkeep/everkeep/internal/adapter/driven/notify"
	sqliteadapter "github.com/everkeep/everkeep/internal/adapter/driven/sqlite"
	httphandler "github.com/everkeep/everkeep/internal/adapter/driving/http"
	"github.com/everkeep/everkeep/internal/application"
	"github.com/everkeep/everkeep/internal/config"
	"github.com/everkeep/everkeep/internal/obs"
	"github.com/everkeep/everkeep/internal/token"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"sweep_interval", cfg.SweepInterval,
		"gateway_url", cfg.GatewayURL,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	principalStore := sqliteadapter.NewPrincipalRepo(db)
	keyholderStore := sqliteadapter.NewKeyholderRepo(db)
	vaultStore := sqliteadapter.NewVaultRepo(db)
	sessionStore := sqliteadapter.NewSessionRepo(db)
	deliveryStore := sqliteadapter.NewDeliveryRepo(db)
	auditLog := sqliteadapter.NewAuditRepo(db)

	gateway := notify.NewGateway(cfg.GatewayURL, cfg.GatewayToken)

	signer, err := token.NewSigner(cfg.SessionSecret)
	if err != nil {
		return err
	}

	// 6. Register metrics.
	obs.Init()

	// 7. Create application services.
	deliverySvc := application.NewDeliveryService(
		deliveryStore, vaultStore, sessionStore, keyholderStore, gateway, auditLog,
		cfg.MaxDeliveryAttempts, cfg.RetryBase, cfg.OpenWindow, cfg.SweepInterval,
	)
	verifySvc := application.NewVerificationService(
		principalStore, keyholderStore, sessionStore, deliveryStore, deliverySvc,
		gateway, auditLog, signer, cfg.SessionIdleTimeout,
	)
	livenessSvc := application.NewLivenessService(
		principalStore, keyholderStore, sessionStore, gateway, auditLog,
		cfg.SweepInterval, cfg.SweepParallelism,
	)
	vaultSvc := application.NewVaultService(
		principalStore, keyholderStore, vaultStore, auditLog,
		cfg.CheckInWindow, cfg.GracePeriod,
	)

	// 8. Start the sweep loops.
	go livenessSvc.Start(ctx)
	go deliverySvc.Start(ctx)

	// 9. Create HTTP handler and register routes.
	apiHandler := httphandler.NewHandler(
		principalStore, vaultSvc, livenessSvc, verifySvc, deliverySvc,
		auditLog, gateway, cfg.WebhookToken, slog.Default(),
	)
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("everkeep started",
		"listen_addr", cfg.ListenAddr,
		"sweep_interval", cfg.SweepInterval,
	)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
