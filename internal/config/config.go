// Package config loads service configuration from .env, environment and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Config holds settings shared by cmd/server and cmd/feedclient.
type Config struct {
	ListenAddr    string
	RPCEndpoint   string
	WSEndpoint    string
	ProgramID     string
	WebhookSecret string
	RedisURL      string
	LogLevel      string
	LogFormat     string

	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StaleAfter        time.Duration

	RPC RPCConfig

	DedupeTTL  time.Duration
	BatchSize  int
	BatchDelay time.Duration

	PollInterval       time.Duration
	SignatureRetention time.Duration
	VolumeWindow       time.Duration
	BackfillLimit      int

	// Feed client only.
	FeedURL        string
	TrendingLimit  int
	ReportInterval time.Duration
}

// RPCConfig configures the rate-limited RPC scheduler.
type RPCConfig struct {
	MaxRequests int
	Window      time.Duration
	MinInterval time.Duration
	Backoff     time.Duration
	MaxRetries  int
}

// Load reads ENV_FILE (default .env) without overriding existing variables,
// then parses args with flag defaults taken from the environment.
func Load(name string, args []string) (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := &Config{}
	fs.StringVar(&cfg.ListenAddr, "listen", envString("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.RPCEndpoint, "rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint")
	fs.StringVar(&cfg.WSEndpoint, "ws-endpoint", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana WebSocket endpoint (enables the log watcher)")
	fs.StringVar(&cfg.ProgramID, "program-id", os.Getenv("PROGRAM_ID"), "Bonding-curve program id (base58)")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", os.Getenv("WEBHOOK_SECRET"), "Shared webhook HMAC secret (empty = trust mode)")
	fs.StringVar(&cfg.RedisURL, "redis", os.Getenv("REDIS_URL"), "Redis URL for shared caches (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", envString("LOG_FORMAT", "text"), "Log format (text, json)")

	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", envDuration("HEARTBEAT_INTERVAL", 30*time.Second), "Live feed heartbeat interval")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", envDuration("CLEANUP_INTERVAL", 60*time.Second), "Stale connection sweep interval")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", envDuration("STALE_AFTER", 120*time.Second), "Idle time after which a connection is evicted")

	fs.IntVar(&cfg.RPC.MaxRequests, "rpc-max-requests", envInt("RPC_MAX_REQUESTS", 30), "RPC requests allowed per window")
	fs.DurationVar(&cfg.RPC.Window, "rpc-window", envDuration("RPC_WINDOW", 10*time.Second), "RPC rate-limit window")
	fs.DurationVar(&cfg.RPC.MinInterval, "rpc-min-interval", envDuration("RPC_MIN_INTERVAL", 300*time.Millisecond), "Minimum delay between RPC dispatches")
	fs.DurationVar(&cfg.RPC.Backoff, "rpc-backoff", envDuration("RPC_BACKOFF", 2*time.Second), "Pause after a 429 without Retry-After")
	fs.IntVar(&cfg.RPC.MaxRetries, "rpc-max-retries", envInt("RPC_MAX_RETRIES", 5), "Rate-limit retries per job (negative = unlimited)")

	fs.DurationVar(&cfg.DedupeTTL, "dedupe-ttl", envDuration("DEDUPE_TTL", 5*time.Second), "In-flight request sharing window")
	fs.IntVar(&cfg.BatchSize, "batch-size", envInt("BATCH_SIZE", 100), "Maximum keys per account batch")
	fs.DurationVar(&cfg.BatchDelay, "batch-delay", envDuration("BATCH_DELAY", 50*time.Millisecond), "Maximum wait before a partial batch is sent")

	fs.DurationVar(&cfg.PollInterval, "poll-interval", envDuration("POLL_INTERVAL", 30*time.Second), "Pool refresh interval")
	fs.DurationVar(&cfg.SignatureRetention, "signature-retention", envDuration("SIGNATURE_RETENTION", 24*time.Hour), "How long processed signatures are remembered")
	fs.DurationVar(&cfg.VolumeWindow, "volume-window", envDuration("VOLUME_WINDOW", 24*time.Hour), "Rolling metrics window")
	fs.IntVar(&cfg.BackfillLimit, "backfill-limit", envInt("BACKFILL_LIMIT", 200), "Signatures re-read after a log stream reconnect")

	fs.StringVar(&cfg.FeedURL, "feed-url", envString("FEED_URL", "http://localhost:8080/api/live"), "Live feed URL (feed client)")
	fs.IntVar(&cfg.TrendingLimit, "top", envInt("TRENDING_LIMIT", 10), "Trending rows to report (feed client)")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", envDuration("REPORT_INTERVAL", 30*time.Second), "Trending report interval (feed client)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings required by the server.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	return c.validateCommon()
}

// ValidateClient checks settings required by the feed client.
func (c *Config) ValidateClient() error {
	if _, err := url.ParseRequestURI(c.FeedURL); err != nil {
		return fmt.Errorf("feed-url: %w", err)
	}
	if c.TrendingLimit <= 0 {
		return errors.New("top must be positive")
	}
	if c.ReportInterval <= 0 {
		return errors.New("report-interval must be positive")
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	if c.RPCEndpoint == "" {
		return errors.New("rpc-endpoint is required (or set SOLANA_RPC_ENDPOINT)")
	}
	if c.ProgramID == "" {
		return errors.New("program-id is required (or set PROGRAM_ID)")
	}
	if _, err := solana.PublicKeyFromBase58(c.ProgramID); err != nil {
		return fmt.Errorf("program-id: %w", err)
	}
	if c.RPC.MaxRequests <= 0 || c.RPC.Window <= 0 {
		return errors.New("rpc-max-requests and rpc-window must be positive")
	}
	if c.RPC.MinInterval < 0 || c.RPC.Backoff <= 0 {
		return errors.New("rpc-min-interval must be >= 0 and rpc-backoff positive")
	}
	if c.BatchSize <= 0 || c.BatchDelay <= 0 {
		return errors.New("batch-size and batch-delay must be positive")
	}
	if c.BackfillLimit < 0 {
		return errors.New("backfill-limit must be >= 0")
	}
	if c.DedupeTTL <= 0 {
		return errors.New("dedupe-ttl must be positive")
	}
	for name, d := range map[string]time.Duration{
		"heartbeat-interval":  c.HeartbeatInterval,
		"cleanup-interval":    c.CleanupInterval,
		"stale-after":         c.StaleAfter,
		"poll-interval":       c.PollInterval,
		"signature-retention": c.SignatureRetention,
		"volume-window":       c.VolumeWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
