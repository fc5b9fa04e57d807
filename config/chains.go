package config

import (
	"encoding/json"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/celer-network/txservice/types"
	"github.com/pkg/errors"
)

// chainEntry is one element of the chains file. Durations use
// time.ParseDuration syntax and prices are decimal wei strings.
type chainEntry struct {
	ChainID                   uint64   `json:"chainId"`
	Endpoints                 []string `json:"endpoints"`
	ConfirmationsRequired     uint64   `json:"confirmationsRequired"`
	DispatchTimeout           string   `json:"dispatchTimeout"`
	TargetEndpointsPerAttempt int      `json:"targetEndpointsPerAttempt"`
	Quorum                    int      `json:"quorum"`
	PriceMin                  string   `json:"priceMin"`
	PriceMax                  string   `json:"priceMax"`
	PriceBumpFraction         float64  `json:"priceBumpFraction"`
	MaxRetries                int      `json:"maxRetries"`
	PendingTimeoutBlocks      uint64   `json:"pendingTimeoutBlocks"`
	RequestTimeout            string   `json:"requestTimeout"`
	GapFillGasLimit           uint64   `json:"gapFillGasLimit"`
}

// LoadChains reads the chains file at path into a Config using logger.
func LoadChains(path string, logger types.Logger) (*types.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open chains file")
	}
	defer f.Close()

	config, err := ParseChains(f)
	if err != nil {
		return nil, errors.Wrapf(err, "chains file %s", path)
	}
	config.Logger = logger
	return config, nil
}

// ParseChains decodes a JSON array of chain entries. Only the encoding is
// checked here; types.Validate checks the values.
func ParseChains(r io.Reader) (*types.Config, error) {
	var entries []chainEntry
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "could not decode chains")
	}

	config := &types.Config{Chains: make(map[uint64]*types.ChainConfig, len(entries))}
	for i, entry := range entries {
		chain, err := entry.chainConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "chain entry %d", i)
		}
		if _, ok := config.Chains[chain.ChainID]; ok {
			return nil, errors.Errorf("chain %d is configured twice", chain.ChainID)
		}
		config.Chains[chain.ChainID] = chain
	}
	return config, nil
}

func (e chainEntry) chainConfig() (*types.ChainConfig, error) {
	dispatchTimeout, err := parseDuration("dispatchTimeout", e.DispatchTimeout)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := parseDuration("requestTimeout", e.RequestTimeout)
	if err != nil {
		return nil, err
	}
	priceMin, err := parseWei("priceMin", e.PriceMin)
	if err != nil {
		return nil, err
	}
	priceMax, err := parseWei("priceMax", e.PriceMax)
	if err != nil {
		return nil, err
	}
	target := e.TargetEndpointsPerAttempt
	if target == 0 {
		target = len(e.Endpoints)
	}
	return &types.ChainConfig{
		ChainID:                   e.ChainID,
		Endpoints:                 e.Endpoints,
		ConfirmationsRequired:     e.ConfirmationsRequired,
		DispatchTimeout:           dispatchTimeout,
		TargetEndpointsPerAttempt: target,
		Quorum:                    e.Quorum,
		PriceMin:                  priceMin,
		PriceMax:                  priceMax,
		PriceBumpFraction:         e.PriceBumpFraction,
		MaxRetries:                e.MaxRetries,
		PendingTimeoutBlocks:      e.PendingTimeoutBlocks,
		RequestTimeout:            requestTimeout,
		GapFillGasLimit:           e.GapFillGasLimit,
	}, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	return d, nil
}

func parseWei(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Errorf("invalid %s %q", field, raw)
	}
	return value, nil
}
