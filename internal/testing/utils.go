package testing

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	eslogger "github.com/celer-network/txservice/logger"
	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/memory"
	"github.com/celer-network/txservice/store/tendermint"
	"github.com/celer-network/txservice/types"
	"github.com/stretchr/testify/require"
	tmdb "github.com/tendermint/tm-db"
	"go.uber.org/zap"
)

// NewLedger creates a new in-memory Ledger for testing
func NewLedger(t testing.TB) store.Ledger {
	t.Helper()

	return memory.NewLedger()
}

// NewTMLedger creates a tm-db backed Ledger over an in-memory database
func NewTMLedger(t testing.TB) store.Ledger {
	t.Helper()

	return tendermint.NewTMStore(tmdb.NewMemDB())
}

func NewLogger(t testing.TB) types.Logger {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return eslogger.NewZapLogger(logger.Sugar())
}

// Endpoints returns n distinct fake endpoint URLs.
func Endpoints(n int) []string {
	endpoints := make([]string, n)
	for i := range endpoints {
		endpoints[i] = fmt.Sprintf("http://node%d.test:8545", i)
	}
	return endpoints
}

// NewChainConfig returns a valid chain config with fast polling, suitable for
// driving a fake chain.
func NewChainConfig(chainID uint64, endpoints ...string) *types.ChainConfig {
	return &types.ChainConfig{
		ChainID:                   chainID,
		Endpoints:                 endpoints,
		ConfirmationsRequired:     1,
		DispatchTimeout:           5 * time.Millisecond,
		TargetEndpointsPerAttempt: len(endpoints),
		Quorum:                    1,
		PriceMin:                  big.NewInt(1000000000),
		PriceMax:                  big.NewInt(10000000000),
		PriceBumpFraction:         0.1,
		MaxRetries:                3,
		RequestTimeout:            time.Second,
		GapFillGasLimit:           types.DefaultGapFillGasLimit,
	}
}

// NewConfig creates a new Config for testing with the given chains
func NewConfig(t testing.TB, chains ...*types.ChainConfig) *types.Config {
	t.Helper()

	config := &types.Config{
		Logger: NewLogger(t),
		Chains: make(map[uint64]*types.ChainConfig, len(chains)),
	}
	for _, chain := range chains {
		config.Chains[chain.ChainID] = chain
	}
	return config
}
