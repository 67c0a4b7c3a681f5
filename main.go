// Package main implements the WaveSync crew service: document expiry views,
// conversation polling for the messaging UI and the emailed expiry watch.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"wavesync/alert"
	"wavesync/email"
	"wavesync/expiry"
	"wavesync/gateway"
	"wavesync/messaging"
	"wavesync/poll"
	"wavesync/server"
	"wavesync/session"
	"wavesync/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/ratelimit"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const defaultFromName = "WaveSync"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(ctx, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	supabaseURL := os.Getenv("SUPABASE_URL")
	anonKey := os.Getenv("SUPABASE_ANON_KEY")
	jwtSecret := os.Getenv("SUPABASE_JWT_SECRET")
	if supabaseURL == "" || anonKey == "" {
		return errors.New("SUPABASE_URL and SUPABASE_ANON_KEY environment variables required")
	}

	rps, err := envInt("GATEWAY_RPS", 0)
	if err != nil {
		return err
	}
	readAttempts, err := envInt("GATEWAY_READ_ATTEMPTS", 1)
	if err != nil {
		return err
	}
	concurrency, err := envInt("LOOKUP_CONCURRENCY", 10)
	if err != nil {
		return err
	}
	convInterval, err := envDuration("CONVERSATION_POLL_INTERVAL", messaging.DefaultConversationInterval)
	if err != nil {
		return err
	}
	msgInterval, err := envDuration("MESSAGE_POLL_INTERVAL", messaging.DefaultMessageInterval)
	if err != nil {
		return err
	}
	idle, err := envDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return err
	}
	watchInterval, err := envDuration("WATCH_INTERVAL", 0)
	if err != nil {
		return err
	}
	watches, err := parseWatches(os.Getenv("WATCH_COMPANIES"))
	if err != nil {
		return err
	}

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	baseURL := os.Getenv("BASE_URL")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}
	devMode := localStorage != ""
	if baseURL == "" {
		if !devMode {
			return errors.New("BASE_URL environment variable required (e.g., https://your-service.run.app)")
		}
		baseURL = "http://localhost:8080"
	}

	auth, err := newAuthenticator(jwtSecret, devMode, logger)
	if err != nil {
		return err
	}

	var storageClient *gcs.Client
	if devMode {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
	} else {
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}
	store := storage.New(storageClient, bucket, localStorage, logger)

	provider, err := initEmailProvider(ctx, logger, devMode)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps, ratelimit.WithoutSlack)
	}
	gw := gateway.New(&gateway.Config{
		Limiter:      limiter,
		Logger:       logger,
		BaseURL:      supabaseURL,
		APIKey:       anonKey,
		ReadAttempts: uint(readAttempts),
	})

	serviceKey := os.Getenv("SUPABASE_SERVICE_KEY")
	if len(watches) > 0 && serviceKey == "" {
		return errors.New("SUPABASE_SERVICE_KEY environment variable required when WATCH_COMPANIES is set")
	}
	// The watch reads every company, so it bypasses row-level security.
	watchGateway := gateway.New(&gateway.Config{
		Limiter:      limiter,
		Logger:       logger,
		BaseURL:      supabaseURL,
		APIKey:       serviceKey,
		ReadAttempts: uint(readAttempts),
	})
	watchLogger := logger.With("component", "watch")
	monitor := poll.New(
		expiry.New(&expiry.Config{Gateway: watchGateway, Logger: watchLogger, Concurrency: concurrency}),
		store,
		email.New(provider, watchLogger, baseURL),
		watches,
		watchLogger,
	)
	if watchInterval > 0 && len(watches) > 0 {
		go runWatch(ctx, monitor, watchInterval, watchLogger)
	}

	srv := server.New(&server.Config{
		GatewayFor:           func(token string) server.Gateway { return gw.WithAccessToken(token) },
		Auth:                 auth,
		Poller:               monitor,
		Inbox:                alert.NewInbox(0),
		Logger:               logger,
		IdleTimeout:          idle,
		LookupConcurrency:    concurrency,
		ConversationInterval: convInterval,
		MessageInterval:      msgInterval,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ServeHTTP(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// newAuthenticator builds the access token parser. Alerts and messaging
// sessions are keyed by the token subject without a gateway round trip, so
// unverified tokens are only accepted in local development.
func newAuthenticator(secret string, devMode bool, logger *slog.Logger) (*session.Parser, error) {
	if secret == "" {
		if !devMode {
			return nil, errors.New("SUPABASE_JWT_SECRET environment variable required outside local development")
		}
		logger.Warn("No SUPABASE_JWT_SECRET set, accepting access tokens without signature check (local development only)")
	}
	return session.NewParser(secret), nil
}

// runWatch checks watched companies every interval until ctx is cancelled.
func runWatch(ctx context.Context, monitor *poll.Monitor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := monitor.CheckAll(ctx); err != nil {
				logger.Warn("Expiry watch failed", "error", err)
			}
		}
	}
}

// initEmailProvider picks Brevo when an API key is set, then Gmail. Local
// development falls back to the mock provider.
func initEmailProvider(ctx context.Context, logger *slog.Logger, devMode bool) (email.Provider, error) {
	from := os.Getenv("MAIL_FROM")
	if key := os.Getenv("BREVO_API_KEY"); key != "" {
		if from == "" {
			return nil, errors.New("MAIL_FROM environment variable required with BREVO_API_KEY")
		}
		logger.Info("Using Brevo email provider", "from", from)
		return email.NewBrevoProvider(key, from, defaultFromName, logger), nil
	}

	svc, err := initGmailService(ctx)
	if err == nil {
		logger.Info("Using Gmail email provider", "from", from)
		return email.NewGmailProvider(svc, from, logger), nil
	}
	if !devMode {
		return nil, fmt.Errorf("initialize Gmail service: %w", err)
	}
	logger.Info("Mock email mode enabled", "reason", err.Error())
	return email.NewMockProvider(logger), nil
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run: Application Default Credentials of the service account (needs gmail.send)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// parseWatches parses "company=admin@example.com,company2=ops@example.com".
func parseWatches(s string) ([]poll.Watch, error) {
	var out []poll.Watch
	seen := make(map[string]bool)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		company, admin, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("WATCH_COMPANIES: %q is not company=email", part)
		}
		id, err := uuid.Parse(strings.TrimSpace(company))
		if err != nil {
			return nil, fmt.Errorf("WATCH_COMPANIES: invalid company id %q: %w", company, err)
		}
		admin = strings.TrimSpace(admin)
		if !strings.Contains(admin, "@") {
			return nil, fmt.Errorf("WATCH_COMPANIES: invalid admin email %q", admin)
		}
		if seen[id.String()] {
			return nil, fmt.Errorf("WATCH_COMPANIES: company %s listed twice", id)
		}
		seen[id.String()] = true
		out = append(out, poll.Watch{CompanyID: id.String(), AdminEmail: admin})
	}
	return out, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid number %q", name, v)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", name, v)
	}
	return d, nil
}
