package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var (
	chainFlag = cli.Uint64Flag{
		Name:  "chain",
		Usage: "chain id to use, as configured in the chains file",
	}
	toFlag = cli.StringFlag{
		Name:  "to",
		Usage: "destination address",
	}
	valueFlag = cli.StringFlag{
		Name:  "value",
		Value: "0",
		Usage: "value in wei",
	}
	dataFlag = cli.StringFlag{
		Name:  "data",
		Usage: "0x prefixed call data",
	}
	gasLimitFlag = cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "gas limit, estimated by the endpoint when zero",
	}
	blockFlag = cli.Int64Flag{
		Name:  "block",
		Value: -1,
		Usage: "block number to call at, latest when negative",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "txservice"
	app.Usage = "dispatch transactions to redundant ethereum endpoints and follow them to a terminal state"
	app.Commands = []cli.Command{
		{
			Name:   "validate",
			Usage:  "load and validate the chains file",
			Action: validateAction,
		},
		{
			Name:   "send",
			Usage:  "dispatch a transaction and wait for its terminal state",
			Flags:  []cli.Flag{chainFlag, toFlag, valueFlag, dataFlag, gasLimitFlag},
			Action: sendAction,
		},
		{
			Name:   "call",
			Usage:  "perform a read-only contract call, agreed on by a quorum of endpoints",
			Flags:  []cli.Flag{chainFlag, toFlag, dataFlag, blockFlag},
			Action: callAction,
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
