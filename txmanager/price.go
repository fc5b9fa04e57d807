package txmanager

import (
	"context"
	"math/big"
	"strconv"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/types"
	"github.com/pkg/errors"
)

// FetchBoundedPrice reads the endpoint's suggested gas price and clamps it to
// [PriceMin, PriceMax].
func FetchBoundedPrice(ctx context.Context, ethClient client.Client, config *types.ChainConfig) (*big.Int, error) {
	if config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RequestTimeout)
		defer cancel()
	}
	suggested, err := ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &RPCFailure{Endpoint: ethClient.URL(), Err: errors.Wrap(err, "SuggestGasPrice failed")}
	}
	if suggested == nil {
		return nil, &RPCFailure{Endpoint: ethClient.URL(), Err: errors.New("endpoint returned no gas price")}
	}
	return clampPrice(suggested, config.PriceMin, config.PriceMax), nil
}

func clampPrice(price, min, max *big.Int) *big.Int {
	switch {
	case price.Cmp(min) < 0:
		return new(big.Int).Set(min)
	case price.Cmp(max) > 0:
		return new(big.Int).Set(max)
	default:
		return new(big.Int).Set(price)
	}
}

// BumpPrice returns price + floor(price * fraction). The fraction is taken as
// the exact decimal it prints as, so BumpPrice(10, 0.3) is 13.
func BumpPrice(price *big.Int, fraction float64) (*big.Int, error) {
	if fraction < types.MinPriceBumpFraction || fraction > types.MaxPriceBumpFraction {
		return nil, &InvalidTransaction{
			Reason: "price bump fraction out of range",
			Err: errors.Errorf("fraction %v is outside [%v, %v]",
				fraction, types.MinPriceBumpFraction, types.MaxPriceBumpFraction),
		}
	}
	if price == nil || price.Sign() < 0 {
		return nil, &InvalidTransaction{Reason: "cannot bump a missing or negative price"}
	}
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(fraction, 'f', -1, 64))
	if !ok {
		return nil, &InvalidTransaction{Reason: "unparseable price bump fraction"}
	}
	increment := new(big.Int).Mul(price, rat.Num())
	// Num and Denom are positive so Quo truncation is floor
	increment.Quo(increment, rat.Denom())
	return increment.Add(increment, price), nil
}

// nextPrice bumps price for a stuck transaction. ok is false when the bump
// would pass the ceiling or would not raise the price, in which case the
// transaction must be abandoned.
func nextPrice(price *big.Int, config *types.ChainConfig) (bumped *big.Int, ok bool, err error) {
	if price.Cmp(config.PriceMax) >= 0 {
		return nil, false, nil
	}
	bumped, err = BumpPrice(price, config.PriceBumpFraction)
	if err != nil {
		return nil, false, err
	}
	if bumped.Cmp(config.PriceMax) > 0 || bumped.Cmp(price) <= 0 {
		return nil, false, nil
	}
	return bumped, true, nil
}
