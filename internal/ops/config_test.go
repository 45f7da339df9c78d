package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/conn"
	"quoter/pkg/exception"
)

func setTestEnv(t *testing.T) {
	t.Setenv("QUOTER_TEST_ALICE_TOKEN", "s3cret")
	t.Setenv("QUOTER_TEST_BINANCE_KEY", "key")
	t.Setenv("QUOTER_TEST_BINANCE_SECRET", "secret")
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvAdminAddr, "")
}

func TestLoad(t *testing.T) {
	setTestEnv(t)
	t.Setenv(EnvDBPassword, "pw")

	cfg, err := Load(filepath.Join("testdata", "config.yaml"), filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "quoter-test", cfg.App.Name)
	assert.Equal(t, 5*time.Second, cfg.App.ShutdownGrace)
	assert.Equal(t, ":9090", cfg.Admin.Addr)
	assert.Equal(t, map[string]string{"alice": "s3cret"}, cfg.Admin.Operators)

	assert.Equal(t, conn.DriverSQLite, cfg.Storage.Option.Driver)
	assert.Equal(t, "pw", cfg.Storage.Option.Password)
	assert.Equal(t, 3*time.Second, cfg.Storage.FlushInterval)
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Feed.MaxAge)

	assert.Equal(t, 0.9, cfg.MarketData.Lambda)
	assert.Equal(t, 5*time.Second, cfg.MarketData.StaleAfter)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Scheduler.Config.FailureThreshold)
	assert.Equal(t, 64, cfg.Order.QueueSize)
	assert.Equal(t, 3, cfg.Order.VenueErrorThreshold)
	assert.True(t, cfg.Order.BaseLimits.MaxOrderSize.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(200), cfg.Order.BaseLimits.MaxPriceDeviationBps)
	assert.Equal(t, 0.05, cfg.Chaos.ErrorRate)
	assert.Equal(t, 1, cfg.Chaos.ReorderWindow)

	assert.Equal(t, []schema.Market{
		{Venue: "binance", Symbol: "BTC-USD"},
		{Venue: "paper", Symbol: "BTC-USD"},
	}, cfg.Registry.Markets())
	symbol, ok := cfg.Registry.SymbolByVenueSymbol("binance", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", symbol)

	paper, ok := cfg.Venue("paper")
	require.True(t, ok)
	assert.Equal(t, KindSim, paper.Kind)
	assert.True(t, paper.FeeRate.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, paper.Balances["USD"].Equal(decimal.NewFromInt(100000)))

	binance, ok := cfg.Venue("binance")
	require.True(t, ok)
	assert.Equal(t, "key", binance.APIKey)
	assert.Equal(t, 20.0, binance.Guard.RatePerSecond)
	assert.Equal(t, 10, binance.Guard.Burst)

	p := cfg.Params["BTC-USD"]
	assert.Equal(t, 0.2, p.Gamma, "inherited from the defaults block")
	assert.True(t, p.HardLimit.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(3), p.RequoteTicks)
	assert.False(t, p.QuotingEnabled)
	assert.Equal(t, time.Second, p.RefreshInterval)
	assert.Equal(t, 1.5, p.Kappa, "untouched fields keep the built-in default")
}

func TestLoadEnvOverrides(t *testing.T) {
	setTestEnv(t)
	t.Setenv(EnvAdminAddr, ":7000")
	t.Setenv(EnvNATSURL, "nats://nats:4222")

	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Admin.Addr)
	assert.Equal(t, "nats://nats:4222", cfg.Feed.URL)
}

func TestLoadDotEnv(t *testing.T) {
	setTestEnv(t)
	os.Unsetenv("QUOTER_TEST_ALICE_TOKEN")
	t.Cleanup(func() { os.Unsetenv("QUOTER_TEST_ALICE_TOKEN") })

	env := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(env, []byte("QUOTER_TEST_ALICE_TOKEN=from-dotenv\n"), 0o600))

	cfg, err := Load(filepath.Join("testdata", "config.yaml"), env)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Admin.Operators["alice"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func validConfig() FileConfig {
	return FileConfig{
		Venues: []VenueConfig{{Name: "paper", Kind: KindSim}},
		Instruments: []InstrumentConfig{{
			Symbol:   "BTC-USD",
			Base:     "BTC",
			Quote:    "USD",
			TickSize: "0.01",
			Venues:   []string{"paper"},
		}},
	}
}

func TestResolveFailures(t *testing.T) {
	str := func(s string) *string { return &s }
	testCases := []struct {
		desc     string
		modify   func(cfg *FileConfig)
		expected error
	}{
		{"no instrument", func(cfg *FileConfig) { cfg.Instruments = nil }, exception.ErrConfigNoInstrument},
		{"unknown venue", func(cfg *FileConfig) { cfg.Instruments[0].Venues = []string{"ftx"} }, exception.ErrConfigUnknownVenue},
		{"unknown adapter", func(cfg *FileConfig) { cfg.Venues[0].Kind = "fix" }, exception.ErrConfigUnknownAdapter},
		{"bad tick", func(cfg *FileConfig) { cfg.Instruments[0].TickSize = "abc" }, exception.ErrConfigInvalid},
		{"zero tick", func(cfg *FileConfig) { cfg.Instruments[0].TickSize = "0" }, exception.ErrConfigInvalid},
		{"missing assets", func(cfg *FileConfig) { cfg.Instruments[0].Quote = "" }, exception.ErrConfigInvalid},
		{"soft above hard", func(cfg *FileConfig) { cfg.Params.SoftLimit = str("1000") }, exception.ErrConfigInvalid},
		{"cex without credentials", func(cfg *FileConfig) {
			cfg.Venues[0] = VenueConfig{Name: "paper", Kind: KindCEX, BaseURL: "https://example.com", KeyEnv: "QUOTER_TEST_UNSET_KEY", SecretEnv: "QUOTER_TEST_UNSET_SECRET"}
		}, exception.ErrVenueMissingCredentials},
		{"operator token unset", func(cfg *FileConfig) {
			cfg.Admin.Operators = []OperatorConfig{{ID: "bob", TokenEnv: "QUOTER_TEST_UNSET_TOKEN"}}
		}, exception.ErrConfigInvalid},
		{"feed without url", func(cfg *FileConfig) { cfg.Feed.Enabled = true }, exception.ErrConfigInvalid},
		{"chaos rate", func(cfg *FileConfig) { cfg.Chaos.ErrorRate = 2 }, exception.ErrConfigInvalid},
		{"unknown log level", func(cfg *FileConfig) { cfg.App.LogLevel = "verbose" }, exception.ErrConfigInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(&cfg)
			_, err := Resolve(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			assert.Equal(t, errors.KindFatal, errors.KindOf(err))
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(validConfig())
	require.NoError(t, err)
	assert.Equal(t, "quoter", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
	assert.Equal(t, conn.DriverPostgres, cfg.Storage.Option.Driver)
	assert.Equal(t, 5432, cfg.Storage.Option.Port)
	assert.Equal(t, 5*time.Second, cfg.Storage.FlushInterval)
	assert.Equal(t, schema.DefaultParameterSet(), cfg.Params["BTC-USD"])
}

func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		level    string
		expected logs.Level
		wantErr  bool
	}{
		{"debug", logs.LevelDebug, false},
		{"INFO", logs.LevelInfo, false},
		{"warning", logs.LevelWarn, false},
		{"error", logs.LevelError, false},
		{"fatal", 0, true},
		{"trace", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			level, err := ParseLogLevel(tc.level)
			if tc.wantErr {
				require.ErrorIs(t, err, exception.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	cfg := validConfig()
	applyEnv(&cfg)
	loaded, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.App.LogLevel)
	assert.NotNil(t, loaded.App.NewLogger())
}

func TestShippedConfigs(t *testing.T) {
	t.Setenv("QUOTER_OPS_TOKEN", "token")
	t.Setenv("QUOTER_BINANCE_KEY", "key")
	t.Setenv("QUOTER_BINANCE_SECRET", "secret")
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvAdminAddr, "")
	t.Setenv(EnvDBHost, "")

	paper, err := Load(filepath.Join("..", "..", "config", "paper.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, paper.Storage.Option.Driver)
	assert.Len(t, paper.Registry.Markets(), 2)

	prod, err := Load(filepath.Join("..", "..", "config", "quoter.yaml"))
	require.NoError(t, err)
	assert.Equal(t, conn.DriverPostgres, prod.Storage.Option.Driver)
	assert.True(t, prod.Feed.Enabled)
	spec, ok := prod.Venue("soldex")
	require.True(t, ok)
	assert.Equal(t, KindDEX, spec.Kind)
	assert.Equal(t, "QUOTER_SOLANA_KEY", spec.WalletEnv)
}
