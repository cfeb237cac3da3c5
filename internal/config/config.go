package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr     string
	LogLevel string
	LogJSON  bool

	DatabaseURL string // Postgres DSN; empty selects the in-memory registry/catalog
	RedisURL    string // Redis URL for completion events; empty selects the in-process dispatcher
	AuthSecret  string // HMAC secret for bearer tokens issued by the identity provider

	StagingDir string // staging area for in-progress uploads
	BlobDir    string // blob storage root for finalized artifacts

	SessionTTL      time.Duration // session lifetime (default 24h)
	SweepInterval   time.Duration // expiry sweep period (default 1m)
	OwnerQuotaBytes int64         // combined active-session size cap per owner
	MaxChunkSize    uint32        // upper bound on a session's chunk size

	WSConnectsPerMin  int           // max websocket connects per minute per IP
	WSConnectsBurst   int           // burst websocket connects per IP
	WSMsgsPerSec      int           // max messages per second per connection
	WSMsgsBurst       int           // burst messages per connection
	WSIdleTimeout     time.Duration // websocket idle timeout
	MalformedMsgLimit int           // malformed messages tolerated before the connection is closed
}

// ClientConfig holds configuration for the uploader CLI.
type ClientConfig struct {
	ServerURL string
	LogLevel  string
	AuthToken string // bearer token from the identity provider
	ChunkSize uint32 // chunk size in bytes (default: 1 MiB)
}

// DefaultChunkSize is the session chunk size used when the client does
// not request one.
const DefaultChunkSize = 1 << 20

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:              ":8080",
		LogLevel:          "info",
		StagingDir:        "./staging",
		BlobDir:           "./storage",
		SessionTTL:        24 * time.Hour,
		SweepInterval:     time.Minute,
		OwnerQuotaBytes:   50 << 30,
		MaxChunkSize:      8 << 20,
		WSConnectsPerMin:  30,
		WSConnectsBurst:   10,
		WSMsgsPerSec:      200,
		WSMsgsBurst:       400,
		WSIdleTimeout:     10 * time.Minute,
		MalformedMsgLimit: 8,
	}

	// Read from environment first
	if addr := os.Getenv("FRAMEPIPE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("FRAMEPIPE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if v := os.Getenv("FRAMEPIPE_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "1" || v == "true"
	}
	if dsn := os.Getenv("FRAMEPIPE_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if redisURL := os.Getenv("FRAMEPIPE_REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if secret := os.Getenv("FRAMEPIPE_AUTH_SECRET"); secret != "" {
		cfg.AuthSecret = secret
	}
	if dir := os.Getenv("FRAMEPIPE_STAGING_DIR"); dir != "" {
		cfg.StagingDir = dir
	}
	if dir := os.Getenv("FRAMEPIPE_BLOB_DIR"); dir != "" {
		cfg.BlobDir = dir
	}
	if ttl := os.Getenv("FRAMEPIPE_SESSION_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.SessionTTL = d
		}
	}
	if quota := os.Getenv("FRAMEPIPE_OWNER_QUOTA_BYTES"); quota != "" {
		if n, err := strconv.ParseInt(quota, 10, 64); err == nil {
			cfg.OwnerQuotaBytes = n
		}
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON log lines")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres DSN for the session registry (empty: in-memory)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for completion events (empty: in-process)")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HMAC secret for bearer tokens")
	fs.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "staging directory for in-progress uploads")
	fs.StringVar(&cfg.BlobDir, "blob-dir", cfg.BlobDir, "blob storage root for finalized artifacts")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "upload session lifetime")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "expiry sweep period")
	fs.Int64Var(&cfg.OwnerQuotaBytes, "owner-quota-bytes", cfg.OwnerQuotaBytes, "combined active-session size cap per owner")
	fs.IntVar(&cfg.WSConnectsPerMin, "ws-connects-per-min", cfg.WSConnectsPerMin, "max websocket connects per minute per IP")
	fs.IntVar(&cfg.WSConnectsBurst, "ws-connects-burst", cfg.WSConnectsBurst, "burst websocket connects per IP")
	fs.IntVar(&cfg.WSMsgsPerSec, "ws-msgs-per-sec", cfg.WSMsgsPerSec, "max websocket messages per second per connection")
	fs.IntVar(&cfg.WSMsgsBurst, "ws-msgs-burst", cfg.WSMsgsBurst, "burst websocket messages per connection")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "websocket idle timeout")
	fs.IntVar(&cfg.MalformedMsgLimit, "malformed-msg-limit", cfg.MalformedMsgLimit, "malformed messages tolerated before disconnect")

	// MaxChunkSize flag - use uint64 and convert
	var maxChunkUint64 uint64
	fs.Uint64Var(&maxChunkUint64, "max-chunk-size", uint64(cfg.MaxChunkSize), "upper bound on a session's chunk size in bytes")

	fs.Parse(args)

	cfg.MaxChunkSize = uint32(maxChunkUint64)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MalformedMsgLimit < 1 {
		cfg.MalformedMsgLimit = 1
	}

	return cfg
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseClientConfigArgs parses one subcommand's arguments with an
// isolated flag set and returns the remaining positional arguments.
func ParseClientConfigArgs(name string, args []string) (ClientConfig, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfg := parseClientConfigWithFlagSet(fs, args)
	return cfg, fs.Args()
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
		ChunkSize: DefaultChunkSize,
	}

	// Read from environment first
	if serverURL := os.Getenv("FRAMEPIPE_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("FRAMEPIPE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if token := os.Getenv("FRAMEPIPE_AUTH_TOKEN"); token != "" {
		cfg.AuthToken = token
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "bearer token")

	// ChunkSize flag - use uint64 and convert
	var chunkSizeUint64 uint64
	fs.Uint64Var(&chunkSizeUint64, "chunk-size", uint64(cfg.ChunkSize), "chunk size in bytes")

	fs.Parse(args)

	cfg.ChunkSize = uint32(chunkSizeUint64)
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return cfg
}
