package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loomctl/internal/api"
	"loomctl/internal/auth"
	"loomctl/internal/config"
	"loomctl/internal/db"
	"loomctl/internal/db/repositories"
	"loomctl/internal/events"
	"loomctl/internal/logging"
	"loomctl/internal/notifications"
	"loomctl/internal/reaper"
	"loomctl/internal/runs"
	"loomctl/internal/scheduler"
	"loomctl/internal/telemetry"
	"loomctl/internal/template"
	"loomctl/internal/version"
	"loomctl/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loomctl API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.InitializeWithLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryProvider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "loomctl",
		ServiceVersion: version.String(),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Console:        os.Getenv("LOG_LEVEL") == "debug",
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	repos := repositories.New(database)
	tmpl := template.NewEngine()
	tmpl.SetStoryLimit(cfg.StoryQueueLimit)

	wfStore := workflows.NewStore(repos)
	runStore := runs.NewStore(repos)
	sched := scheduler.New(repos, tmpl)
	broadcaster := events.NewBroadcaster()
	gate := auth.NewGate(repos.Tokens, cfg.JWTSecret)

	auditSvc := notifications.NewAuditService(database.Conn())
	webhookNotifier := notifications.NewWebhookNotifier(auditSvc)

	sched.SetPublisher(broadcaster)
	sched.SetNotifier(webhookNotifier)
	runStore.SetPublisher(broadcaster)

	r := reaper.New(repos, reaper.Config{
		IntervalSeconds:         cfg.ReaperIntervalSeconds,
		AbandonedStepAgeMinutes: cfg.AbandonedStepAgeMinutes,
		RetryCooldownMinutes:    cfg.RetryCooldownMinutes,
		RunTimeoutMinutes:       cfg.RunTimeoutMinutes,
		ArchiveEnabled:          cfg.ArchiveEnabled,
		ArchiveDelayHours:       cfg.ArchiveDelayHours,
	})
	r.SetPublisher(broadcaster)
	r.SetNotifier(webhookNotifier)
	if err := r.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer r.Stop()

	apiServer := api.New(cfg, repos, wfStore, runStore, sched, broadcaster, gate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			log.Printf("api server error: %v", err)
		}
	}()

	fmt.Printf("loomctl listening on %s:%d\n", cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("received shutdown signal, shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Println("shutdown timeout exceeded, forcing exit")
	}
	return nil
}
