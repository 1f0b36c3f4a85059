package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/drewdunne/labpulse/internal/analytics"
	"github.com/drewdunne/labpulse/internal/cache"
	"github.com/drewdunne/labpulse/internal/config"
	"github.com/drewdunne/labpulse/internal/executor"
	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/integration"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
	"github.com/drewdunne/labpulse/internal/oauth"
	"github.com/drewdunne/labpulse/internal/ratelimit"
	"github.com/drewdunne/labpulse/internal/server"
	"github.com/drewdunne/labpulse/internal/webhook"
)

var version = "0.1.0"

const (
	defaultConfigPath = "labpulse.yaml"
	dedupeWindow      = 5 * time.Minute
	cleanupInterval   = 24 * time.Hour
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "version":
		fmt.Printf("labpulse v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "labpulse: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: labpulse <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the HTTP server")
	fmt.Println("  check    Test the configured GitLab connection")
	fmt.Println("  version  Print version information")
}

type flags struct {
	configPath string
	envFile    string
}

func parseFlags(name string, args []string) flags {
	var f flags
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", defaultConfigPath, "Path to config file")
	fs.StringVar(&f.envFile, "env-file", "", "Path to .env file (optional)")
	fs.Parse(args)
	return f
}

func loadConfig(f flags) (*config.Config, error) {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", f.envFile, err)
		}
	} else {
		// Try default locations
		godotenv.Load(".env")
		godotenv.Load("/etc/labpulse/labpulse.env")
	}

	path := f.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// app is the wired object graph shared by serve and check.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	logClose io.Closer
	metrics  *metrics.Registry
	flow     *oauth.Flow
	service  *integration.Service
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, logClose, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Dir:    cfg.Logging.Dir,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logClose: logClose, metrics: metrics.New()}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		QueueEnabled:      cfg.RateLimit.QueueEnabled,
		MaxQueue:          cfg.RateLimit.MaxQueue,
		Tick:              cfg.RateLimit.Tick,
	}, ratelimit.WithLogger(logger))

	store, err := cache.Open(ctx, cache.Options{
		Backend:       cfg.Cache.Backend,
		TTL:           cfg.Cache.TTL,
		MaxSize:       cfg.Cache.MaxSize,
		SweepInterval: cfg.Cache.SweepInterval,
		RedisURL:      cfg.Cache.RedisURL,
		Logger:        logger,
	})
	if err != nil {
		limiter.Close()
		logClose.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	exec := executor.New(
		executor.WithTimeout(cfg.GitLab.Timeout),
		executor.WithRetries(cfg.GitLab.Retries),
		executor.WithRetryDelay(cfg.GitLab.RetryDelay),
		executor.WithAdmitter(limiter),
		executor.WithHeaderObserver(limiter),
		executor.WithLogger(logger),
		executor.WithMetrics(a.metrics),
	)

	opts := []integration.Option{
		integration.WithBaseURL(cfg.GitLab.BaseURL),
		integration.WithTokenType(gitlab.TokenType(cfg.GitLab.TokenType)),
		integration.WithLimiter(limiter),
		integration.WithCache(store, cfg.Cache.TTL),
		integration.WithExecutor(exec),
		integration.WithLogger(logger),
		integration.WithAnalyticsOptions(
			analytics.WithDefaultDays(cfg.Analytics.DefaultDays, cfg.Analytics.HeatmapDays),
			analytics.WithConcurrency(cfg.Analytics.Concurrency),
			analytics.WithMaxLanguageProjects(cfg.Analytics.MaxLanguageProjects),
		),
	}

	if cfg.OAuth.Enabled() {
		a.flow, err = oauth.New(oauth.Config{
			BaseURL:      cfg.GitLab.BaseURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       cfg.OAuth.Scopes,
		}, oauth.WithLogger(logger), oauth.WithMetrics(a.metrics))
		if err != nil {
			store.Close()
			limiter.Close()
			logClose.Close()
			return nil, fmt.Errorf("configuring oauth: %w", err)
		}
		opts = append(opts, integration.WithOAuth(a.flow))
	}

	a.service = integration.New(opts...)
	return a, nil
}

// connect initializes the service with the configured token, if there is one.
func (a *app) connect(ctx context.Context) error {
	if a.cfg.GitLab.Token == "" {
		return nil
	}
	return a.service.Initialize(ctx, oauth.Credential{
		AccessToken: a.cfg.GitLab.Token,
		TokenType:   a.cfg.GitLab.TokenType,
		ObtainedAt:  time.Now(),
	})
}

func (a *app) close() {
	if err := a.service.Close(); err != nil {
		a.logger.WithError(err).Warn("closing integration")
	}
	a.logClose.Close()
}

// webhooks builds the webhook router. Pushes invalidate the cached commit
// listings of the pushed project.
func (a *app) webhooks() *webhook.Router {
	r := webhook.NewRouter(
		webhook.WithSecret(a.cfg.GitLab.WebhookSecret),
		webhook.WithMaxPayloadBytes(a.cfg.GitLab.WebhookMaxBytes),
		webhook.WithFilter(webhook.DedupeFilter(dedupeWindow)),
		webhook.WithLogger(a.logger),
		webhook.WithMetrics(a.metrics),
	)
	r.On(webhook.TypePush, func(ctx context.Context, ev *webhook.Event) (any, error) {
		if ev.Info.Project == nil {
			return nil, nil
		}
		removed := a.service.ClearCache(ctx, fmt.Sprintf("*:commits:%d:*", ev.Info.Project.ID))
		return map[string]int{"invalidated": removed}, nil
	})
	r.On(webhook.Wildcard, func(ctx context.Context, ev *webhook.Event) (any, error) {
		entry := a.logger.WithField("type", ev.Info.Type)
		if ev.Info.Project != nil {
			entry = entry.WithField("project", ev.Info.Project.Path)
		}
		if ev.Info.User != nil {
			entry = entry.WithField("user", ev.Info.User.Username)
		}
		entry.Info("gitlab event")
		return nil, nil
	})
	return r
}

func runServe(args []string) error {
	cfg, err := loadConfig(parseFlags("serve", args))
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Logging.Dir != "" && cfg.Logging.RetentionDays > 0 {
		scheduler := logging.NewCleanupScheduler(
			logging.NewCleaner(cfg.Logging.Dir, cfg.Logging.RetentionDays),
			cleanupInterval,
			a.logger,
		)
		scheduler.Start()
		defer scheduler.Stop()
	}

	if err := a.connect(ctx); err != nil {
		// The server still starts so the account can be connected over OAuth.
		a.logger.WithError(err).Warn("could not connect the configured gitlab token")
	}

	opts := []server.Option{
		server.WithService(a.service),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
		server.WithWebhooks(a.webhooks()),
	}
	if a.flow != nil {
		opts = append(opts, server.WithOAuth(a.flow))
	}
	srv := server.New(cfg, opts...)

	a.logger.WithFields(logrus.Fields{
		"addr":     cfg.Addr(),
		"instance": cfg.GitLab.BaseURL,
		"version":  version,
	}).Info("starting labpulse")
	return srv.ListenAndServeWithShutdown()
}

func runCheck(args []string) error {
	cfg, err := loadConfig(parseFlags("check", args))
	if err != nil {
		return err
	}
	if cfg.GitLab.Token == "" {
		return errors.New("gitlab.token (LABPULSE_GITLAB_TOKEN) is required for check")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GitLab.Timeout*time.Duration(cfg.GitLab.Retries+1))
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.GitLab.BaseURL, err)
	}

	report := a.service.TestConnection(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)
	if !report.Success {
		return fmt.Errorf("connection check failed: %s", report.Error)
	}
	return nil
}
