// Command saihai runs the approval coordinator: HTTP intake, chat gateway,
// watchdog planner, and the demo driver over one durable store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saihai-dev/saihai/pkg/api"
	"github.com/saihai-dev/saihai/pkg/config"
	"github.com/saihai-dev/saihai/pkg/credentials"
	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/demo"
	"github.com/saihai-dev/saihai/pkg/executor"
	"github.com/saihai-dev/saihai/pkg/hitl"
	"github.com/saihai-dev/saihai/pkg/observability"
	"github.com/saihai-dev/saihai/pkg/policy"
	"github.com/saihai-dev/saihai/pkg/slack"
	"github.com/saihai-dev/saihai/pkg/store"
	"github.com/saihai-dev/saihai/pkg/watchdog"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "serve", "server":
		if err := runServer(); err != nil {
			fmt.Fprintln(stderr, "saihai:", err)
			return 1
		}
		return 0
	case "watchdog":
		if err := runWatchdogOnce(stdout); err != nil {
			fmt.Fprintln(stderr, "saihai watchdog:", err)
			return 1
		}
		return 0
	case "token":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: saihai token <subject>")
			return 2
		}
		if err := mintToken(stdout, args[2]); err != nil {
			fmt.Fprintln(stderr, "saihai token:", err)
			return 1
		}
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: saihai <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  serve      Run the coordinator server (default)")
	fmt.Fprintln(w, "  watchdog   Run one watchdog cycle and exit")
	fmt.Fprintln(w, "  token      Mint a bearer token for a subject")
	fmt.Fprintln(w, "  help       Show this help")
}

// deps is everything a command needs after wiring.
type deps struct {
	cfg         *config.Config
	db          *database.DB
	stores      *store.Stores
	coordinator *hitl.Coordinator
	watchdog    *watchdog.Watchdog
	demo        *demo.Driver
	server      *api.Server
}

func wire(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.Setup(cfg.LogLevel)

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	stores := store.New(db)

	// Credential store and Google calendar client; only the google provider
	// exercises them.
	var creds *credentials.Manager
	var calendar *executor.GoogleCalendar
	if cfg.CalendarProvider == executor.ProviderGoogle {
		key, err := credentials.DeriveKey(cfg.CredentialsKeySecret)
		if err != nil {
			return nil, fmt.Errorf("derive credentials key: %w", err)
		}
		credStore, err := credentials.NewStore(db, key)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		oauth := credentials.NewGoogleOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret)
		creds = credentials.NewManager(credStore, oauth, logger)
		calendar = executor.NewGoogleCalendar("", cfg.DemoCalendarID, logger)
	}

	exec := executor.New(executor.Config{
		EmailProvider:    cfg.EmailProvider,
		CalendarProvider: cfg.CalendarProvider,
		HRProvider:       cfg.HRProvider,
		HRAPIURL:         cfg.HRAPIURL,
		Defaults: executor.Defaults{
			EmailTo:            cfg.DefaultEmailTo,
			EmailFrom:          cfg.DefaultEmailFrom,
			CalendarAttendee:   cfg.DefaultCalendarAttendee,
			CalendarTimezone:   cfg.DefaultCalendarTimezone,
			CalendarOwnerEmail: cfg.DemoOwnerEmail,
		},
	}, stores, creds, calendar, logger)

	var gateway slack.Gateway = slack.NewNoop()
	if client := slack.NewClient(cfg.SlackBotToken, cfg.SlackChannel, logger); client != nil {
		gateway = client
	}

	approver, err := policy.New(cfg.ApprovalPolicy)
	if err != nil {
		return nil, fmt.Errorf("approval policy: %w", err)
	}

	coordinator := hitl.New(stores, exec, gateway, approver, hitl.NewMetrics(), logger).
		WithAuditStream(observability.NewAuditWriter())
	wd := watchdog.New(stores, coordinator, logger)
	driver := demo.New(db, exec, gateway, demo.Config{
		CalendarID:      cfg.DemoCalendarID,
		Timezone:        cfg.DemoTimezone,
		InviteeEmails:   cfg.DemoInviteeEmails,
		ApproverUserIDs: cfg.DemoApproverUserIDs,
		OwnerEmail:      cfg.DemoOwnerEmail,
	}, logger)

	var idempotency api.IdempotencyStorer
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		idempotency = api.NewRedisIdempotencyStore(redis.NewClient(redisOpts), 24*time.Hour, logger)
	} else {
		idempotency = api.NewIdempotencyStore(24 * time.Hour)
	}

	server := api.NewServer(api.Options{
		Coordinator:   coordinator,
		Stores:        stores,
		Demo:          driver,
		Watchdog:      wd,
		Gateway:       gateway,
		Verifier:      slack.NewVerifier(cfg.SlackSigningSecret, 0, cfg.SlackAllowUnsigned),
		Auth:          api.NewJWTAuthenticator(cfg.JWTSecret),
		Idempotency:   idempotency,
		RateLimiter:   api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	return &deps{
		cfg:         cfg,
		db:          db,
		stores:      stores,
		coordinator: coordinator,
		watchdog:    wd,
		demo:        driver,
		server:      server,
	}, nil
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.db.Close() }()

	srv := &http.Server{
		Addr:              ":" + d.cfg.Port,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWatchdogOnce(stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.db.Close() }()

	result, err := d.watchdog.Run(ctx, "")
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(result)
}

func mintToken(stdout io.Writer, subject string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	auth := api.NewJWTAuthenticator(cfg.JWTSecret)
	if auth == nil {
		return fmt.Errorf("JWT_SECRET is not configured")
	}
	token, err := auth.IssueToken(subject, 24*time.Hour)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
