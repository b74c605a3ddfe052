// Command capledger runs the cap table ledger API and a few operator commands on top of it.
//
// Usage:
//
//	capledger [serve] --config capledger.yaml
//	capledger setup
//	capledger captable --api http://localhost:8000 [--cutoff N]
//	capledger waterfall --api http://localhost:8000 --exit 100000000[,250000000]
//	capledger export [--api URL | --config capledger.yaml] [--cutoff N] [--dir exports]
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "setup":
		err = setupCmd(args)
	case "captable":
		err = captableCmd(args)
	case "waterfall":
		err = waterfallCmd(args)
	case "export":
		err = exportCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (serve, setup, captable, waterfall, export)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
