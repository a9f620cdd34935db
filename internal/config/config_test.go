package config

import (
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
)

const ownerHex = "0x1234567890123456789012345678901234567890"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", ownerHex)
	setEnv(t, "PORT", "9090")
	setEnv(t, "PRICE_THRESHOLDS", "1000:100,max:50")
	setEnv(t, "TOKEN_WHITELIST", "native,0x7070000000000000000000000000000000000007")
	setEnv(t, "FEE_TIMEOUT", "2h")
	setEnv(t, "PAYMENT_TIMEOUT", "3600")

	cfg, err := Load()
	require.NoError(t, err)

	owner := common.HexToAddress(ownerHex)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, owner, cfg.Owner)
	assert.Equal(t, owner, cfg.FeeRecipient, "fee recipient defaults to the owner")
	assert.Equal(t, owner, cfg.ArbitratorOwner, "arbitrator owner defaults to the owner")
	require.Len(t, cfg.PriceThresholds, 2)
	assert.Equal(t, uint16(50), cfg.PriceThresholds[1].FeeBasisPoint)
	assert.Equal(t, 0, cfg.PriceThresholds[1].MaxPrice.Cmp(fees.Unbounded))
	assert.Len(t, cfg.TokenWhitelist, 2)
	assert.Equal(t, asset.Native(), cfg.TokenWhitelist[0])
	assert.Equal(t, 2*time.Hour, cfg.FeeTimeout)
	assert.Equal(t, time.Hour, cfg.PaymentTimeout)
	assert.Equal(t, ArbitratorCentralized, cfg.ArbitratorMode)
	assert.Equal(t, DefaultArbitrationCost, cfg.ArbitrationCost.String())
	assert.Equal(t, DefaultArbitrationCost, cfg.AppealCost.String(), "appeal cost defaults to the arbitration cost")
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_MissingOwner(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "OWNER_ADDRESS is required")
}

func TestLoad_MalformedValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"owner", "OWNER_ADDRESS", "0xnothex", "OWNER_ADDRESS"},
		{"recipient", "FEE_RECIPIENT", "nope", "FEE_RECIPIENT"},
		{"thresholds order", "PRICE_THRESHOLDS", "500:10,100:20", "PRICE_THRESHOLDS"},
		{"thresholds bps", "PRICE_THRESHOLDS", "max:10001", "PRICE_THRESHOLDS"},
		{"whitelist", "TOKEN_WHITELIST", "native,bogus", "TOKEN_WHITELIST"},
		{"cost", "ARBITRATION_COST", "-5", "ARBITRATION_COST"},
		{"free arbitration", "ARBITRATION_COST", "0", "ARBITRATION_COST"},
		{"min amount", "MIN_AMOUNT", "1.5", "MIN_AMOUNT"},
		{"mode", "ARBITRATOR_MODE", "jury", "ARBITRATOR_MODE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, "OWNER_ADDRESS", ownerHex)
			setEnv(t, tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validConfig() Config {
	owner := common.HexToAddress(ownerHex)
	return Config{
		Owner:           owner,
		FeeRecipient:    owner,
		ArbitratorOwner: owner,
		PriceThresholds: fees.Flat(100),
		TokenWhitelist:  []asset.Asset{asset.Native()},
		MinAmount:       new(big.Int),
		FeeTimeout:      time.Hour,
		PaymentTimeout:  time.Hour,
		ArbitratorMode:  ArbitratorCentralized,
		ArbitrationCost: big.NewInt(100),
		AppealCost:      big.NewInt(100),
		WatcherInterval: time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"missing owner", func(c *Config) { c.Owner = common.Address{} }, "OWNER_ADDRESS is required"},
		{"missing recipient", func(c *Config) { c.FeeRecipient = common.Address{} }, "FEE_RECIPIENT"},
		{"empty thresholds", func(c *Config) { c.PriceThresholds = nil }, "PRICE_THRESHOLDS"},
		{"empty whitelist", func(c *Config) { c.TokenWhitelist = nil }, "TOKEN_WHITELIST"},
		{"bad mode", func(c *Config) { c.ArbitratorMode = "jury" }, "ARBITRATOR_MODE"},
		{"zero fee timeout", func(c *Config) { c.FeeTimeout = 0 }, "FEE_TIMEOUT"},
		{"appealable without window", func(c *Config) {
			c.ArbitratorMode = ArbitratorAppealable
			c.AppealWindow = 0
		}, "APPEAL_WINDOW"},
		{"zero watcher interval", func(c *Config) { c.WatcherInterval = 0 }, "WATCHER_INTERVAL"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_SECS", "120")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, 2*time.Minute, getEnvDuration("TEST_SECS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example "))
	assert.Nil(t, splitList(""))
}
