package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/celer-network/txservice/config"
	esTesting "github.com/celer-network/txservice/internal/testing"
	"github.com/celer-network/txservice/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	settings, err := config.Load(config.EnvMap{
		"TXSERVICE_PRIVATE_KEY":   "0xabc",
		"TXSERVICE_KAFKA_BROKERS": "kafka-1:9092, ,kafka-2:9092",
		"TXSERVICE_LEDGER_DIR":    " /var/lib/txservice ",
	})
	require.NoError(t, err)
	assert.Equal(t, "chains.json", settings.ChainsFile)
	assert.Equal(t, "info", settings.LogLevel)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, settings.KafkaBrokers)
	assert.Equal(t, "/var/lib/txservice", settings.LedgerDir)
	assert.Empty(t, settings.MetricsAddr)
}

func TestLoad_RequiresSigningKey(t *testing.T) {
	_, err := config.Load(config.EnvMap{"TXSERVICE_KEYSTORE_DIR": "/keys"})
	assert.Error(t, err)

	settings, err := config.Load(config.EnvMap{
		"TXSERVICE_KEYSTORE_DIR":     "/keys",
		"TXSERVICE_KEYSTORE_ADDRESS": "0x0000000000000000000000000000000000000001",
	})
	require.NoError(t, err)
	assert.Equal(t, "/keys", settings.KeystoreDir)

	_, err = config.Load(nil)
	assert.Error(t, err)
}

const chainsJSON = `[
  {
    "chainId": 5,
    "endpoints": ["https://rpc-a.example", "https://rpc-b.example"],
    "confirmationsRequired": 3,
    "dispatchTimeout": "4s",
    "quorum": 2,
    "priceMin": "1000000000",
    "priceMax": "150000000000",
    "priceBumpFraction": 0.125,
    "maxRetries": 4,
    "requestTimeout": "10s"
  }
]`

func TestParseChains(t *testing.T) {
	parsed, err := config.ParseChains(strings.NewReader(chainsJSON))
	require.NoError(t, err)
	require.Len(t, parsed.Chains, 1)

	chain := parsed.Chains[5]
	require.NotNil(t, chain)
	assert.Equal(t, 4*time.Second, chain.DispatchTimeout)
	assert.Equal(t, 10*time.Second, chain.RequestTimeout)
	assert.Equal(t, 2, chain.TargetEndpointsPerAttempt)
	assert.Equal(t, "150000000000", chain.PriceMax.String())
	assert.Equal(t, 0.125, chain.PriceBumpFraction)

	chain.ApplyDefaults()
	parsed.Logger = esTesting.NewLogger(t)
	assert.NoError(t, types.Validate(parsed))
}

func TestParseChains_Errors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not an array", `{"chainId": 1}`},
		{"unknown field", `[{"chainId": 1, "gasOracle": "x"}]`},
		{"bad duration", `[{"chainId": 1, "dispatchTimeout": "soon"}]`},
		{"bad price", `[{"chainId": 1, "priceMin": "1e9"}]`},
		{"duplicate chain", `[{"chainId": 1}, {"chainId": 1}]`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := config.ParseChains(strings.NewReader(test.json))
			assert.Error(t, err)
		})
	}
}

func TestLoadChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.json")
	require.NoError(t, os.WriteFile(path, []byte(chainsJSON), 0o600))

	logger := esTesting.NewLogger(t)
	loaded, err := config.LoadChains(path, logger)
	require.NoError(t, err)
	assert.Equal(t, logger, loaded.Logger)
	assert.Contains(t, loaded.Chains, uint64(5))

	_, err = config.LoadChains(filepath.Join(t.TempDir(), "missing.json"), logger)
	assert.Error(t, err)
}
