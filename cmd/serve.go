package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/api"
	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/internal/observability"
	"github.com/xkilldash9x/tokenbridge/internal/registry"
	"github.com/xkilldash9x/tokenbridge/pkg/browser"
	"github.com/xkilldash9x/tokenbridge/pkg/browser/stealth"
	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
	"github.com/xkilldash9x/tokenbridge/pkg/flow"
	"github.com/xkilldash9x/tokenbridge/pkg/humanoid"
	"github.com/xkilldash9x/tokenbridge/pkg/identity"
	"github.com/xkilldash9x/tokenbridge/pkg/scanner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(loadedConfig)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	validator := identity.NewClient(cfg.Platform.IdentityURL, logger)

	factory := func(sessionID string, scan *scanner.Scanner) flow.Page {
		persona := stealth.DefaultPersona(rand.Int63())
		human := humanoid.New(logger, cfg.Humanoid, nil)
		return browser.NewPage(cfg.Browser, cfg.Platform, persona, human, scan, logger)
	}

	reg := registry.New(cfg, factory, validator, store, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(reg, validator, store, cfg.Server, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not drain in time", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// newStore picks the credential backend: postgres when a database URL is
// configured, in-memory otherwise.
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (credstore.Store, error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory credential store")
		return credstore.NewMemory(), nil
	}
	store, err := credstore.NewPostgres(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using postgres credential store")
	return store, nil
}
