// Command vrc-proxy serves the cached group moderation API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"

	"github.com/Sternrassler/vrc-api-client/pkg/cache"
	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/logging"
	"github.com/Sternrassler/vrc-api-client/pkg/ratelimit"
	"github.com/Sternrassler/vrc-api-client/pkg/session"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
	"github.com/Sternrassler/vrc-api-client/pkg/vrc"
)

var version = "dev"

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("vrc-proxy failed")
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "vrc-proxy",
		Usage:   "caching, rate-limited proxy for the group moderation API",
		Version: version,
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "API base URL",
			Value:   "https://api.vrchat.cloud/api/1",
			EnvVars: []string{"VRC_BASE_URL"},
		},
		&cli.StringFlag{
			Name:     "user-agent",
			Usage:    "User-Agent sent upstream (application name and contact)",
			Required: true,
			EnvVars:  []string{"VRC_USER_AGENT"},
		},
		&cli.StringFlag{
			Name:    "auth-cookie",
			Usage:   "value of the auth cookie",
			EnvVars: []string{"VRC_AUTH_COOKIE"},
		},
		&cli.StringFlag{
			Name:    "two-factor-cookie",
			Usage:   "value of the twoFactorAuth cookie",
			EnvVars: []string{"VRC_TWO_FACTOR_COOKIE"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address to listen on",
			Value:   ":8080",
			EnvVars: []string{"VRC_PROXY_BIND", "PORT"},
		},
		&cli.IntFlag{
			Name:    "rate-burst",
			Usage:   "token bucket capacity",
			Value:   ratelimit.DefaultBucketConfig().Capacity,
			EnvVars: []string{"VRC_RATE_BURST"},
		},
		&cli.Float64Flag{
			Name:    "rate-per-second",
			Usage:   "token bucket refill rate",
			Value:   ratelimit.DefaultBucketConfig().RefillPerSecond,
			EnvVars: []string{"VRC_RATE_PER_SECOND"},
		},
		&cli.DurationFlag{
			Name:    "janitor-interval",
			Usage:   "how often stale cache entries are swept",
			Value:   time.Minute,
			EnvVars: []string{"VRC_JANITOR_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis URL for cache snapshots (disabled when empty)",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "snapshot-interval",
			Usage:   "how often cache snapshots are saved",
			Value:   5 * time.Minute,
			EnvVars: []string{"VRC_SNAPSHOT_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "json or console",
			Value:   string(logging.FormatJSON),
			EnvVars: []string{"LOG_FORMAT"},
		},
	}

	app.Action = serve

	return app.Run(args)
}

// apiConfig is what newAPI needs from the command line.
type apiConfig struct {
	BaseURL         string
	UserAgent       string
	AuthCookie      string
	TwoFactorCookie string
	RateBurst       int
	RatePerSecond   float64
}

func apiConfigFrom(cctx *cli.Context) apiConfig {
	return apiConfig{
		BaseURL:         cctx.String("base-url"),
		UserAgent:       cctx.String("user-agent"),
		AuthCookie:      cctx.String("auth-cookie"),
		TwoFactorCookie: cctx.String("two-factor-cookie"),
		RateBurst:       cctx.Int("rate-burst"),
		RatePerSecond:   cctx.Float64("rate-per-second"),
	}
}

// newAPI wires session, transport, executor, cache and typed client. A
// rejected session clears the cache.
func newAPI(cfg apiConfig, logger zerolog.Logger) (*vrc.Client, *session.CookieSession, error) {
	sess := session.NewCookieSession(cfg.AuthCookie, cfg.TwoFactorCookie, logging.NewLogger("session"))

	httpCfg := transport.DefaultHTTPConfig(cfg.BaseURL, cfg.UserAgent)
	httpCfg.Session = sess
	tr, err := transport.NewHTTPTransport(httpCfg, logging.NewLogger("transport"))
	if err != nil {
		return nil, nil, err
	}

	execCfg := client.DefaultConfig(tr)
	execCfg.RateLimit = ratelimit.BucketConfig{Capacity: cfg.RateBurst, RefillPerSecond: cfg.RatePerSecond}
	execCfg.Unauthorized = sess
	exec, err := client.New(execCfg)
	if err != nil {
		return nil, nil, err
	}

	manager, err := cache.NewManager(vrc.CacheConfig(), exec)
	if err != nil {
		return nil, nil, err
	}
	sess.OnExpired = func(context.Context, error) {
		logger.Warn().Msg("Session expired - clearing cache")
		manager.Clear()
	}

	api, err := vrc.New(exec, manager)
	if err != nil {
		return nil, nil, err
	}
	return api, sess, nil
}

func serve(cctx *cli.Context) error {
	logger := logging.Setup(logging.Config{
		Level:  cctx.String("log-level"),
		Format: logging.Format(cctx.String("log-format")),
	})

	if err := checkIntervals(cctx.Duration("janitor-interval"), cctx.Duration("snapshot-interval")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, sess, err := newAPI(apiConfigFrom(cctx), logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if !sess.LoggedIn() {
		logger.Warn().Msg("No auth cookie configured - upstream calls will be rejected")
	}

	janitorDone := api.Cache().StartJanitor(ctx, cctx.Duration("janitor-interval"))

	snapshotDone, err := startSnapshots(ctx, cctx.String("redis-url"), cctx.Duration("snapshot-interval"), api.Cache(), logger)
	if err != nil {
		return err
	}

	srv := NewServer(api, sess, logging.NewLogger("proxy"))
	httpd := &http.Server{
		Addr:              cctx.String("bind"),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      3 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("bind", httpd.Addr).Str("version", version).Msg("Starting proxy")
		if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpd.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stop()
	<-janitorDone
	<-snapshotDone
	return nil
}

// checkIntervals rejects intervals that would spin or panic a ticker.
func checkIntervals(janitor, snapshot time.Duration) error {
	if janitor <= 0 {
		return fmt.Errorf("janitor-interval must be > 0 (got %v)", janitor)
	}
	if snapshot <= 0 {
		return fmt.Errorf("snapshot-interval must be > 0 (got %v)", snapshot)
	}
	return nil
}

// startSnapshots restores persisted kinds from Redis and saves them every
// interval and once more on shutdown. With an empty URL it does nothing.
func startSnapshots(ctx context.Context, redisURL string, interval time.Duration, manager *cache.Manager, logger zerolog.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})
	if redisURL == "" {
		close(done)
		return done, nil
	}
	if interval <= 0 {
		return nil, fmt.Errorf("snapshot interval must be > 0 (got %v)", interval)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	store := cache.NewRedisSnapshotStore(redisClient, "", 24*time.Hour)
	if n, err := manager.LoadSnapshot(ctx, store); err != nil {
		logger.Warn().Err(err).Msg("Snapshot restore incomplete")
	} else {
		logger.Info().Int("entries", n).Msg("Snapshot restored")
	}

	go func() {
		defer close(done)
		defer redisClient.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := manager.SaveSnapshot(ctx, store); err != nil {
					logger.Warn().Err(err).Msg("Snapshot save failed")
				}
			case <-ctx.Done():
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if _, err := manager.SaveSnapshot(saveCtx, store); err != nil {
					logger.Warn().Err(err).Msg("Final snapshot save failed")
				}
				cancel()
				return
			}
		}
	}()

	return done, nil
}
