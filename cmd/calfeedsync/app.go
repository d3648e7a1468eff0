package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/calfeedsync/internal/activity"
	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/cleanup"
	"github.com/macjediwizard/calfeedsync/internal/config"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/feed"
	"github.com/macjediwizard/calfeedsync/internal/metrics"
	"github.com/macjediwizard/calfeedsync/internal/notify"
	"github.com/macjediwizard/calfeedsync/internal/reconcile"
)

// app wires the components every subcommand needs.
type app struct {
	cfg          *config.Config
	db           *db.DB
	tracker      *activity.Tracker
	metrics      *metrics.Metrics
	notifier     *notify.Notifier
	stores       calstore.Provider
	refresher    *calstore.OAuthProvider
	orchestrator *reconcile.Orchestrator
	cleanup      *cleanup.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		db:      database,
		tracker: activity.NewTracker(),
		metrics: metrics.New(),
	}

	notifyCfg := &notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}
	if notifyCfg.WebhookURL != "" {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	a.notifier = notify.New(notifyCfg)

	a.stores, a.refresher = newProvider(cfg)

	fetcher := feed.NewFetcher(
		feed.WithCacheDir(cfg.Feed.CacheDir),
		feed.WithRetryWindow(cfg.CalDAV.MaxRetryElapsed),
	)
	a.orchestrator = reconcile.New(reconcile.Config{
		CalendarID:   cfg.CalDAV.CalendarID,
		FeedURL:      cfg.Feed.URL,
		PastWindow:   cfg.PastWindow(),
		FutureWindow: cfg.FutureWindow(),
		ApplyWorkers: cfg.Sync.ApplyWorkers,
	}, fetcher, a.stores,
		reconcile.WithRunLog(database),
		reconcile.WithTracker(a.tracker),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithNotifier(a.notifier),
	)

	cleanupCfg := cleanup.Config{
		FuzzyThreshold: cfg.Cleanup.FuzzyThreshold,
		FuzzyTolerance: cfg.Cleanup.FuzzyTolerance,
		MaxDeletions:   cfg.Cleanup.MaxDeletions,
		PastWindow:     cfg.PastWindow(),
		FutureWindow:   cfg.FutureWindow(),
	}
	if cfg.Cleanup.RulesFile != "" {
		rules, err := cleanup.LoadRules(cfg.Cleanup.RulesFile)
		if err != nil {
			database.Close()
			return nil, err
		}
		cleanupCfg.Patterns = rules.Patterns
		cleanupCfg.Preserve = rules.Preserve
		log.Printf("Loaded %d cleanup pattern rules, preserving %s", len(rules.Patterns), rules.Preserve)
	}
	a.cleanup = cleanup.NewService(cleanupCfg, a.stores, database, a.tracker,
		cleanup.WithMetrics(a.metrics),
		cleanup.WithNotifier(a.notifier),
	)

	return a, nil
}

// newProvider picks the credential flavour from the configuration. The
// second value is non-nil when credentials need periodic refresh.
func newProvider(cfg *config.Config) (calstore.Provider, *calstore.OAuthProvider) {
	opts := cfg.StoreOptions()

	switch {
	case cfg.CalDAV.OAuth.Enabled():
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.CalDAV.OAuth.ClientID,
			ClientSecret: cfg.CalDAV.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.CalDAV.OAuth.TokenURL},
		}
		p := calstore.NewOAuthProvider(cfg.CalDAV.URL, oauthCfg, cfg.CalDAV.OAuth.RefreshToken, opts)
		return p, p
	case cfg.CalDAV.BearerToken != "":
		return calstore.NewBearerTokenProvider(cfg.CalDAV.URL, cfg.CalDAV.BearerToken, opts), nil
	default:
		return calstore.NewBasicAuthProvider(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password, opts), nil
	}
}

func (a *app) close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

// calendarsOrDefault returns ids, or the configured target calendar.
func (a *app) calendarsOrDefault(ids []string) []string {
	if len(ids) == 0 {
		return []string{a.cfg.CalDAV.CalendarID}
	}
	return ids
}

// signalContext is cancelled by the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
