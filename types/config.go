package types

import (
	"math/big"
	"time"
)

const (
	DefaultMaxRetries      = 5
	DefaultQuorum          = 1
	DefaultRequestTimeout  = 15 * time.Second
	DefaultGapFillGasLimit = uint64(21000)

	MinPriceBumpFraction = 0.05
	MaxPriceBumpFraction = 1.0
)

// Config is the engine-wide configuration. Chains is keyed by chain id and is
// fixed for the lifetime of the engine.
type Config struct {
	Logger Logger
	Chains map[uint64]*ChainConfig
}

type ChainConfig struct {
	ChainID uint64

	// RPC URLs, http(s) or ws(s)
	Endpoints []string

	ConfirmationsRequired uint64

	// Interval between receipt polls
	DispatchTimeout time.Duration

	TargetEndpointsPerAttempt int

	// Number of identical responses required by read-only calls
	Quorum int

	// Absolute gas price bounds in wei
	PriceMin *big.Int
	PriceMax *big.Int

	// Fraction added to the price on every bump, in [0.05, 1.0]
	PriceBumpFraction float64

	MaxRetries int

	// Number of receipt-less polls before a transaction is considered stuck.
	// Falls back to MaxRetries when zero.
	PendingTimeoutBlocks uint64

	// Worst case time we wait for a single endpoint response
	RequestTimeout time.Duration

	GapFillGasLimit uint64
}

// StuckAfter returns the number of receipt-less polls tolerated before re-pricing.
func (c *ChainConfig) StuckAfter() int {
	if c.PendingTimeoutBlocks > 0 {
		return int(c.PendingTimeoutBlocks)
	}
	return c.MaxRetries
}

// ApplyDefaults fills optional fields left at their zero value.
func (c *ChainConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Quorum == 0 {
		c.Quorum = DefaultQuorum
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.GapFillGasLimit == 0 {
		c.GapFillGasLimit = DefaultGapFillGasLimit
	}
}

// Chain returns the configuration for chainID, or nil.
func (c *Config) Chain(chainID uint64) *ChainConfig {
	if c == nil || c.Chains == nil {
		return nil
	}
	return c.Chains[chainID]
}
