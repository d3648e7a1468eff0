package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/calfeedsync/internal/scheduler"
	"github.com/macjediwizard/calfeedsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second

	retentionSchedule = "@daily"
	refreshSchedule   = "@every 30m"
)

var validateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled syncs and the operator API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&validateOnStart, "validate", true, "Probe the feed and CalDAV endpoint before starting")
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("Starting calfeedsync...")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signalContext()
	defer stop()

	if validateOnStart {
		validateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.cfg.Validate(validateCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	sched := scheduler.New()
	if err := sched.AddJob(a.cfg.Sync.Schedule, a.orchestrator); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	if err := sched.AddTask("run-retention", retentionSchedule,
		scheduler.RetentionTask(a.db, a.cfg.Sync.LogRetentionDays, time.Now)); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	if a.refresher != nil {
		if err := sched.AddTask("token-refresh", refreshSchedule, scheduler.RefreshTask(a.refresher)); err != nil {
			return fmt.Errorf("failed to schedule token refresh: %w", err)
		}
	}

	handlers := web.NewHandlers(a.db, sched, a.cleanup, a.tracker, a.cfg.CalDAV.CalendarID)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, web.RouteConfig{
		APIToken: a.cfg.Server.APIToken,
		RPS:      a.cfg.RateLimiting.RPS,
		Burst:    a.cfg.RateLimiting.Burst,
		Metrics:  a.metrics.Handler(),
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			sched.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Println("Shutting down server...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
