package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	want := Default()
	want.DevMode = true
	assert.Equal(t, want, cfg)
}

func TestLoad_JWTSecret(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"default secret rejected", map[string]string{}, true},
		{"default secret rejected when dev mode off", map[string]string{"DEV_MODE": "false"}, true},
		{"default secret allowed in dev mode", map[string]string{"DEV_MODE": "1"}, false},
		{"explicit secret", map[string]string{"JWT_SECRET": "s3cret"}, false},
		{"bad dev mode", map[string]string{"DEV_MODE": "sometimes", "JWT_SECRET": "s3cret"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, Error.Has(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("CLEARING_LATENCY", "25")
	t.Setenv("CLEARING_TIMEOUT", "2s")
	t.Setenv("CLEARING_ACCEPT_RATIO", "1")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 25*time.Millisecond, cfg.Clearing.Latency)
	assert.Equal(t, 2*time.Second, cfg.Clearing.Timeout)
	assert.Equal(t, 1.0, cfg.Clearing.AcceptRatio)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.HTTP.CORSOrigins)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_TTL=1h\nKAFKA_TOPIC=from-file\n"), 0o600))
	// process env wins over the file
	t.Setenv("KAFKA_TOPIC", "from-env")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Cleanup(func() { _ = os.Unsetenv("JWT_TTL") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Auth.JWTTTL)
	assert.Equal(t, "from-env", cfg.Kafka.Topic)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"LEDGER_LATENCY": "soon"}},
		{"bad ratio", map[string]string{"CLEARING_ACCEPT_RATIO": "most"}},
		{"ratio out of range", map[string]string{"CLEARING_ACCEPT_RATIO": "1.5"}},
		{"unknown mode", map[string]string{"CLEARING_MODE": "carrier-pigeon"}},
		{"http without url", map[string]string{"CLEARING_MODE": "http"}},
		{"negative decimals", map[string]string{"CHAIN_AMOUNT_DECIMALS": "-2"}},
		{"rpc without contract", map[string]string{"RPC_URL": "ws://localhost:8546"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DEV_MODE", "true")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
			assert.True(t, Error.Has(err))
		})
	}
}
