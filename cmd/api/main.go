package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/reelpilot/internal/api"
	"github.com/timmy/reelpilot/internal/app"
	"github.com/timmy/reelpilot/internal/config"
	"github.com/timmy/reelpilot/internal/logger"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.New(cfg.Log.LoggerConfig("reelpilot-api"))
	logger.SetFallback(appLog)
	defer appLog.Close()

	if err := run(cfg, appLog); err != nil {
		appLog.WithError(err).Error("API server stopped")
		appLog.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLog *logger.Logger) error {
	ctx := context.Background()
	a, err := app.New(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	a.Start(ctx)

	router := api.SetupRouter(a.Handlers(), cfg.Server, appLog)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLog.WithFields(logger.Fields{"port": cfg.Server.Port, "mode": cfg.Server.Mode}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		appLog.WithField("signal", sig.String()).Info("Shutting down server...")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("Server forced to shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("Shutdown incomplete")
	}

	appLog.Info("Server exited")
	return runErr
}
