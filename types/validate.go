package types

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ConfigError reports every problem found in a Config. It is fatal: an engine
// is never constructed from a config that produced one.
type ConfigError struct {
	ChainID uint64
	Err     error
}

func (e *ConfigError) Error() string {
	if e.ChainID == 0 {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration for chain %d: %v", e.ChainID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks the shape of config without side effects. Defaults are
// expected to have been applied already; a zero MaxRetries is accepted and
// means "use the default".
func Validate(config *Config) error {
	if config == nil {
		return &ConfigError{Err: errors.Errorf("config is nil")}
	}
	if len(config.Chains) == 0 {
		return &ConfigError{Err: errors.Errorf("no chains configured")}
	}

	ids := make([]uint64, 0, len(config.Chains))
	for id := range config.Chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs error
	for _, id := range ids {
		chain := config.Chains[id]
		if chain == nil {
			errs = multierr.Append(errs, &ConfigError{ChainID: id, Err: errors.Errorf("chain config is nil")})
			continue
		}
		if err := ValidateChain(chain); err != nil {
			errs = multierr.Append(errs, &ConfigError{ChainID: id, Err: err})
			continue
		}
		if chain.ChainID != id {
			errs = multierr.Append(errs, &ConfigError{ChainID: id, Err: errors.Errorf("chain id %d does not match key %d", chain.ChainID, id)})
		}
	}
	return errs
}

// ValidateChain returns all problems with a single chain entry combined into one error.
func ValidateChain(c *ChainConfig) error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Errorf(format, args...))
	}

	if c.ChainID == 0 {
		add("chain id must be set")
	}
	if len(c.Endpoints) == 0 {
		add("endpoint list is empty")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, endpoint := range c.Endpoints {
		if err := validateEndpoint(endpoint); err != nil {
			add("%v", err)
		}
		if seen[endpoint] {
			add("duplicate endpoint %s", endpoint)
		}
		seen[endpoint] = true
	}
	if c.ConfirmationsRequired < 1 {
		add("confirmationsRequired must be at least 1")
	}
	if c.DispatchTimeout <= 0 {
		add("dispatchTimeout must be positive")
	}
	if c.TargetEndpointsPerAttempt < 1 || c.TargetEndpointsPerAttempt > len(c.Endpoints) {
		add("targetEndpointsPerAttempt must be between 1 and %d, got %d", len(c.Endpoints), c.TargetEndpointsPerAttempt)
	}
	if c.Quorum < 0 || c.Quorum > c.TargetEndpointsPerAttempt {
		add("quorum must be between 1 and targetEndpointsPerAttempt, got %d", c.Quorum)
	}
	switch {
	case c.PriceMin == nil || c.PriceMax == nil:
		add("priceMin and priceMax are required")
	case c.PriceMin.Sign() <= 0:
		add("priceMin must be positive, got %s", c.PriceMin)
	case c.PriceMin.Cmp(c.PriceMax) > 0:
		add("priceMin %s exceeds priceMax %s", c.PriceMin, c.PriceMax)
	}
	if c.PriceBumpFraction < MinPriceBumpFraction || c.PriceBumpFraction > MaxPriceBumpFraction {
		add("priceBumpFraction must be in [%v, %v], got %v", MinPriceBumpFraction, MaxPriceBumpFraction, c.PriceBumpFraction)
	}
	if c.MaxRetries < 0 {
		add("maxRetries must not be negative")
	}
	if c.RequestTimeout < 0 {
		add("requestTimeout must not be negative")
	}
	return errs
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Errorf("endpoint %q: %v", endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return errors.Errorf("endpoint %q: missing host", endpoint)
	}
	return nil
}
