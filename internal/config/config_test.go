package config

import (
	"flag"
	"testing"
	"time"
)

func newFlagSet(t *testing.T) *flag.FlagSet {
	t.Helper()
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

func TestParseServerConfig_Defaults(t *testing.T) {
	cfg := parseServerConfigWithFlagSet(newFlagSet(t), nil)

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
	if cfg.MaxChunkSize != 8<<20 {
		t.Errorf("MaxChunkSize = %d, want %d", cfg.MaxChunkSize, 8<<20)
	}
	if cfg.MalformedMsgLimit != 8 {
		t.Errorf("MalformedMsgLimit = %d, want 8", cfg.MalformedMsgLimit)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	cfg := parseServerConfigWithFlagSet(newFlagSet(t), []string{
		"-addr", ":9000",
		"-session-ttl", "1h",
		"-owner-quota-bytes", "1024",
		"-malformed-msg-limit", "0",
	})

	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Addr)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if cfg.OwnerQuotaBytes != 1024 {
		t.Errorf("OwnerQuotaBytes = %d, want 1024", cfg.OwnerQuotaBytes)
	}
	// Clamped to at least one tolerated malformed message.
	if cfg.MalformedMsgLimit != 1 {
		t.Errorf("MalformedMsgLimit = %d, want 1", cfg.MalformedMsgLimit)
	}
}

func TestParseServerConfig_Env(t *testing.T) {
	t.Setenv("FRAMEPIPE_ADDR", ":7070")
	t.Setenv("FRAMEPIPE_SESSION_TTL", "30m")
	t.Setenv("FRAMEPIPE_LOG_JSON", "true")

	cfg := parseServerConfigWithFlagSet(newFlagSet(t), nil)

	if cfg.Addr != ":7070" {
		t.Errorf("Addr = %q, want :7070", cfg.Addr)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestParseServerConfig_FlagOverridesEnv(t *testing.T) {
	t.Setenv("FRAMEPIPE_ADDR", ":7070")

	cfg := parseServerConfigWithFlagSet(newFlagSet(t), []string{"-addr", ":9090"})

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Addr)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	cfg := parseClientConfigWithFlagSet(newFlagSet(t), nil)

	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
}

func TestParseClientConfig_ZeroChunkSizeFallsBack(t *testing.T) {
	cfg := parseClientConfigWithFlagSet(newFlagSet(t), []string{"-chunk-size", "0"})

	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
}
