package main

import (
	"context"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"

	"github.com/celer-network/txservice/config"
	"github.com/celer-network/txservice/logger"
	"github.com/celer-network/txservice/store/models"
	"github.com/celer-network/txservice/txmanager"
	"github.com/celer-network/txservice/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func validateAction(c *cli.Context) error {
	settings, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	chains, err := config.LoadChains(settings.ChainsFile, logger.NewNopLogger())
	if err != nil {
		return err
	}
	for _, chain := range chains.Chains {
		chain.ApplyDefaults()
	}
	if err := types.Validate(chains); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %d chain(s) ok\n", settings.ChainsFile, len(chains.Chains))
	return nil
}

func sendAction(c *cli.Context) error {
	intent, err := intentFromContext(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	results := make(chan txmanager.Result, 1)
	tx, err := svc.txm.Dispatch(ctx, intent, func(result txmanager.Result) { results <- result })
	if err != nil {
		return err
	}
	svc.logger.Infow("transaction submitted",
		"txID", tx.ID,
		"txHash", tx.Hash,
		"nonce", tx.Nonce,
		"gasPrice", tx.GasPrice.String(),
		"endpoint", tx.Endpoint,
	)

	select {
	case result := <-results:
		fmt.Fprintf(c.App.Writer, "%s %s %s\n", result.Tx.ID, result.Tx.Hash.Hex(), result.Tx.State)
		return result.Err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "interrupted before the transaction reached a terminal state")
	}
}

func callAction(c *cli.Context) error {
	call, err := callFromContext(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	response, err := svc.txm.Read(ctx, call)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, hexutil.Encode(response))
	return nil
}

func intentFromContext(c *cli.Context) (models.Intent, error) {
	chainID, to, data, err := target(c)
	if err != nil {
		return models.Intent{}, err
	}
	value, ok := new(big.Int).SetString(c.String(valueFlag.Name), 10)
	if !ok || value.Sign() < 0 {
		return models.Intent{}, errors.Errorf("invalid --value %q", c.String(valueFlag.Name))
	}
	return models.Intent{
		ChainID:  chainID,
		To:       to,
		Data:     data,
		Value:    value,
		GasLimit: c.Uint64(gasLimitFlag.Name),
	}, nil
}

func callFromContext(c *cli.Context) (models.CallIntent, error) {
	chainID, to, data, err := target(c)
	if err != nil {
		return models.CallIntent{}, err
	}
	call := models.CallIntent{ChainID: chainID, To: to, Data: data}
	if block := c.Int64(blockFlag.Name); block >= 0 {
		call.BlockNumber = big.NewInt(block)
	}
	return call, nil
}

func target(c *cli.Context) (chainID uint64, to common.Address, data []byte, err error) {
	chainID = c.Uint64(chainFlag.Name)
	if chainID == 0 {
		return 0, to, nil, errors.New("--chain is required")
	}
	if !common.IsHexAddress(c.String(toFlag.Name)) {
		return 0, to, nil, errors.Errorf("invalid --to address %q", c.String(toFlag.Name))
	}
	to = common.HexToAddress(c.String(toFlag.Name))
	if raw := c.String(dataFlag.Name); raw != "" {
		data, err = hexutil.Decode(raw)
		if err != nil {
			return 0, to, nil, errors.Wrap(err, "invalid --data")
		}
	}
	return chainID, to, data, nil
}
