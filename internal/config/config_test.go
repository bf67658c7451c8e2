package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgramID = "11111111111111111111111111111111"

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, k := range []string{"SOLANA_RPC_ENDPOINT", "PROGRAM_ID", "WEBHOOK_SECRET", "RPC_MAX_REQUESTS", "HEARTBEAT_INTERVAL", "LISTEN_ADDR"} {
		unsetEnv(t, k)
	}
}

// unsetEnv removes k for the test; godotenv treats an empty but present variable as set.
func unsetEnv(t *testing.T, k string) {
	prev, ok := os.LookupEnv(k)
	require.NoError(t, os.Unsetenv(k))
	t.Cleanup(func() {
		if ok {
			os.Setenv(k, prev)
		} else {
			os.Unsetenv(k)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load("server", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 120*time.Second, cfg.StaleAfter)
	assert.Equal(t, 30, cfg.RPC.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.RPC.Window)
	assert.Equal(t, 300*time.Millisecond, cfg.RPC.MinInterval)
	assert.Equal(t, 2*time.Second, cfg.RPC.Backoff)
	assert.Equal(t, 5, cfg.RPC.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.VolumeWindow)

	assert.Error(t, cfg.Validate(), "rpc endpoint and program id are required")
}

func TestLoad_EnvThenFlags(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SOLANA_RPC_ENDPOINT", "http://rpc.local")
	t.Setenv("PROGRAM_ID", testProgramID)
	t.Setenv("RPC_MAX_REQUESTS", "10")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")

	cfg, err := Load("server", []string{"-rpc-max-requests", "20", "-listen", ":9999"})
	require.NoError(t, err)

	assert.Equal(t, "http://rpc.local", cfg.RPCEndpoint)
	assert.Equal(t, 20, cfg.RPC.MaxRequests, "flag overrides env")
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.NoError(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateClient())
}

func TestLoad_EnvFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PROGRAM_ID="+testProgramID+"\nSOLANA_RPC_ENDPOINT=http://from-file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("SOLANA_RPC_ENDPOINT", "http://from-env")

	cfg, err := Load("server", nil)
	require.NoError(t, err)
	assert.Equal(t, testProgramID, cfg.ProgramID)
	assert.Equal(t, "http://from-env", cfg.RPCEndpoint, "existing env wins over .env")
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	base, err := Load("server", []string{"-rpc-endpoint", "http://rpc", "-program-id", testProgramID})
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := map[string]func(c *Config){
		"bad program id":  func(c *Config) { c.ProgramID = "not-base58-0OIl" },
		"zero window":     func(c *Config) { c.RPC.Window = 0 },
		"zero batch":      func(c *Config) { c.BatchSize = 0 },
		"zero heartbeat":  func(c *Config) { c.HeartbeatInterval = 0 },
		"negative ttl":    func(c *Config) { c.DedupeTTL = -time.Second },
		"missing listen":  func(c *Config) { c.ListenAddr = "" },
		"missing backoff": func(c *Config) { c.RPC.Backoff = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	isolateEnv(t)
	_, err := Load("server", []string{"-nope"})
	assert.Error(t, err)
}
