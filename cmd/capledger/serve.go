package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/config"
	"github.com/vadiminshakov/capledger/internal/events"
	"github.com/vadiminshakov/capledger/internal/services/conversion"
	"github.com/vadiminshakov/capledger/internal/services/convertibles"
	"github.com/vadiminshakov/capledger/internal/services/dividends"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"github.com/vadiminshakov/capledger/internal/services/registry"
	"github.com/vadiminshakov/capledger/internal/services/rounds"
	"github.com/vadiminshakov/capledger/internal/services/vesting"
	"github.com/vadiminshakov/capledger/internal/storage/eventlog"
	"github.com/vadiminshakov/capledger/internal/storage/records"
	"github.com/vadiminshakov/capledger/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const streamBuffer = 256

// stack is everything a running ledger needs, opened from the data directory.
type stack struct {
	log          *eventlog.Log
	records      *records.Store
	registry     *registry.Service
	ledger       *ledger.Service
	rounds       *rounds.Service
	convertibles *convertibles.Service
	dividends    *dividends.Service
	vesting      *vesting.Service
	broadcaster  *events.Broadcaster
}

func openStack(ctx context.Context, l *zap.Logger, cfg config.Config) (*stack, error) {
	log, err := eventlog.OpenWAL(filepath.Join(cfg.DataDir, "events"))
	if err != nil {
		return nil, err
	}
	store, err := records.Open(filepath.Join(cfg.DataDir, "records"))
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	st := &stack{log: log, records: store, broadcaster: events.NewBroadcaster(streamBuffer)}

	st.registry = registry.NewService(l.Named("registry"), store, log, cfg.DefaultShareClass)
	if err := st.registry.Bootstrap(ctx, cfg.ShareClasses); err != nil {
		st.close(l)
		return nil, err
	}

	st.ledger = ledger.NewService(l.Named("ledger"), ledger.Options{
		LedgerID:          cfg.LedgerID,
		DefaultShareClass: cfg.DefaultShareClass,
		CacheEntries:      cfg.CacheEntries,
	}, log, st.registry, st.broadcaster)
	st.registry.GuardWith(st.ledger)

	keyed := locks.NewKeyed()
	policy := conversion.Policy{RequireTerms: cfg.RequireConversionTerms}
	st.rounds = rounds.NewService(l.Named("rounds"), store, st.ledger, keyed, policy)
	st.convertibles = convertibles.NewService(l.Named("convertibles"), store, st.ledger, keyed, policy)
	st.dividends = dividends.NewService(l.Named("dividends"), store, st.ledger, keyed)
	st.vesting = vesting.NewService(l.Named("vesting"), store, st.ledger, keyed)

	for _, r := range []interface{ Reconcile(context.Context) error }{st.rounds, st.dividends, st.vesting} {
		if err := r.Reconcile(ctx); err != nil {
			st.close(l)
			return nil, errors.Wrap(err, "reconcile records with event log")
		}
	}
	return st, nil
}

func (st *stack) close(l *zap.Logger) {
	if err := st.records.Close(); err != nil {
		l.Warn("close records", zap.Error(err))
	}
	if err := st.log.Close(); err != nil {
		l.Warn("close event log", zap.Error(err))
	}
}

func serve(args []string) error {
	cfg, err := config.Get("serve", args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer st.close(logger)

	logger.Info("ledger ready",
		zap.String("ledger", cfg.LedgerID),
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("last_sequence", st.ledger.LastSequence()),
		zap.Int("share_classes", len(st.registry.List())))

	server := web.NewServer(logger.Named("web"), cfg.HTTPAddr, st.ledger, st.registry, st.rounds, st.convertibles, st.dividends, st.vesting, st.broadcaster)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(cfg.TLSDomains) > 0 {
			return server.StartWithAutoTLS(gctx, cfg.TLSDomains, cfg.CertCacheDir)
		}
		return server.Start(gctx)
	})
	if cfg.VestingReleaseEvery > 0 {
		g.Go(func() error {
			runVestingReleases(gctx, logger, st.vesting, cfg.VestingReleaseEvery)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Uint64("last_sequence", st.ledger.LastSequence()))
		return nil
	})

	return g.Wait()
}

// runVestingReleases releases newly vested shares every interval until ctx is done.
func runVestingReleases(ctx context.Context, l *zap.Logger, svc *vesting.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ReleaseDue(ctx); err != nil && ctx.Err() == nil {
				l.Warn("scheduled vesting releases incomplete", zap.Error(err))
			}
		}
	}
}
