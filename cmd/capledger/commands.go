package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vadiminshakov/capledger/config"
	"github.com/vadiminshakov/capledger/internal/client"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/setup"
	"github.com/vadiminshakov/capledger/internal/storage/export"
	"go.uber.org/zap"
)

const (
	defaultAPI     = "http://localhost:8000"
	requestTimeout = time.Minute
)

func setupCmd(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	out := fs.String("o", setup.DefaultFile, "file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := setup.RunTUI(*out)
	return err
}

// cutoffFlag parses "latest" or a sequence number.
type cutoffFlag uint64

func (c *cutoffFlag) String() string {
	if uint64(*c) == ledger.Latest {
		return "latest"
	}
	return strconv.FormatUint(uint64(*c), 10)
}

func (c *cutoffFlag) Set(s string) error {
	if s == "" || s == "latest" {
		*c = cutoffFlag(ledger.Latest)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("cutoff must be a sequence number or \"latest\"")
	}
	*c = cutoffFlag(v)
	return nil
}

func apiFlags(fs *flag.FlagSet) (api *string, cutoff *cutoffFlag) {
	api = fs.String("api", defaultAPI, "ledger API base URL")
	c := cutoffFlag(ledger.Latest)
	fs.Var(&c, "cutoff", "sequence to read at (default latest)")
	return api, &c
}

func captableCmd(args []string) error {
	fs := flag.NewFlagSet("captable", flag.ContinueOnError)
	api, cutoff := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	table, err := client.New(*api).CapTable(ctx, uint64(*cutoff))
	if err != nil {
		return err
	}
	fmt.Println(renderCapTable(table))
	return nil
}

func waterfallCmd(args []string) error {
	fs := flag.NewFlagSet("waterfall", flag.ContinueOnError)
	api, cutoff := apiFlags(fs)
	exit := fs.String("exit", "", "exit amount in cents, comma separated for several scenarios")
	if err := fs.Parse(args); err != nil {
		return err
	}

	exits, err := parseAmounts(*exit)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	results, err := client.New(*api).Scenarios(ctx, uint64(*cutoff), exits)
	if err != nil {
		return err
	}
	if len(results) == 1 {
		fmt.Println(renderWaterfall(results[0]))
		return nil
	}
	fmt.Println(renderScenarios(results))
	return nil
}

func exportCmd(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	api := fs.String("api", "", "read from a running API instead of the local data directory")
	configPath := fs.String("config", "", "path to yaml config for local reads")
	dir := fs.String("dir", "", "export directory (default $CAPLEDGER_EXPORT_DIR or ./exports)")
	c := cutoffFlag(ledger.Latest)
	fs.Var(&c, "cutoff", "sequence to export (default latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		snap      export.Snapshot
		exportDir = *dir
	)
	if *api != "" {
		cl := client.New(*api)
		state, err := cl.State(ctx, uint64(c))
		if err != nil {
			return err
		}
		table, err := cl.CapTable(ctx, state.AsOfSequence)
		if err != nil {
			return err
		}
		snap = export.Snapshot{
			LedgerID:     table.LedgerID,
			AsOfSequence: state.AsOfSequence,
			ExportedAt:   time.Now().UTC(),
			CapTable:     table,
			Positions:    state.SortedPositions(),
			Dividends:    state.Dividends,
		}
	} else {
		cfgArgs := []string{}
		if *configPath != "" {
			cfgArgs = append(cfgArgs, "--config", *configPath)
		}
		cfg, err := config.Get("export", cfgArgs)
		if err != nil {
			return err
		}
		if exportDir == "" {
			exportDir = cfg.ExportDir
		}

		logger := newLogger(cfg.LogLevel)
		defer logger.Sync()

		st, err := openStack(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer st.close(logger)

		state, err := st.ledger.State(ctx, uint64(c))
		if err != nil {
			return err
		}
		snap = export.NewSnapshot(cfg.LedgerID, state, st.registry, time.Now())
		logger.Debug("snapshot built", zap.Uint64("sequence", state.AsOfSequence))
	}

	store, err := export.NewStore(exportDir)
	if err != nil {
		return err
	}
	path, err := store.Save(snap)
	if err != nil {
		return err
	}
	fmt.Printf("exported %s at sequence %d to %s\n", snap.LedgerID, snap.AsOfSequence, path)
	return nil
}

func parseAmounts(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid exit amount %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one exit amount is required")
	}
	return out, nil
}
