package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultPermit2Contract, cfg.Permit2Contract)
	assert.Equal(t, DefaultEscrowArbiter, cfg.EscrowArbiter)
	assert.Equal(t, DefaultEscrowFeeBPS, cfg.EscrowFeeBPS)
	assert.Equal(t, DefaultAllowanceTTL, cfg.AllowanceTTL)
	assert.False(t, cfg.EscrowFundingEnabled())
}

func TestLoad_WithFundingKey(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.EscrowFundingEnabled())
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_PrefixedPrivateKey(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EscrowFundingEnabled())
}

func TestLoad_AllowanceTTL(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "ALLOWANCE_TTL", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.AllowanceTTL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "empty config is valid (in-memory, no chain)",
			config:  Config{AllowanceTTL: time.Hour},
			wantErr: false,
		},
		{
			name:    "fee above 100 percent",
			config:  Config{EscrowFeeBPS: 10001, AllowanceTTL: time.Hour},
			wantErr: true,
		},
		{
			name:    "zero allowance TTL",
			config:  Config{},
			wantErr: true,
		},
		{
			name: "key without rpc",
			config: Config{
				PrivateKey:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				AllowanceTTL: time.Hour,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
