// Package replay folds capitalization events into point-in-time ledger state.
//
// The fold is pure: it performs no I/O and never mutates its inputs, so any number of
// reconstructions at different cutoffs may run in parallel over the same event slice.
package replay

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
)

// Options configure ledger-wide defaults the fold needs.
type Options struct {
	// DefaultShareClass receives vesting releases that name no class.
	DefaultShareClass string
}

// Reconstruct folds every event with Sequence <= cutoff into a fresh state.
// On failure the state folded up to the last valid event is returned along with a
// *domain.ReplayError naming the offending sequence.
func Reconstruct(events []domain.Event, cutoff uint64, opts Options) (*domain.LedgerState, error) {
	return Resume(domain.NewLedgerState(), events, cutoff, opts)
}

// Resume continues a fold from base. Events already covered by base are skipped;
// base itself is left untouched.
func Resume(base *domain.LedgerState, events []domain.Event, cutoff uint64, opts Options) (*domain.LedgerState, error) {
	state := base.Clone()
	for _, e := range events {
		if base.AsOfSequence > 0 && e.Sequence <= base.AsOfSequence {
			continue
		}
		if e.Sequence > cutoff {
			break
		}
		if err := Apply(state, e, opts); err != nil {
			return state, &domain.ReplayError{Sequence: e.Sequence, LastValid: state.AsOfSequence, Err: err}
		}
	}
	return state, nil
}

// Apply performs one transition. The state is only mutated when the event is valid
// against it.
func Apply(state *domain.LedgerState, e domain.Event, opts Options) error {
	if e.Sequence <= state.AsOfSequence {
		return errors.Wrapf(domain.ErrSequence, "sequence %d does not follow %d", e.Sequence, state.AsOfSequence)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Kind {
	case domain.KindIssue:
		if err := state.Credit(e.PrimaryWallet, e.ShareClass, e.ShareCount, e.SecondaryMoneyAmountCents); err != nil {
			return err
		}
	case domain.KindTransfer:
		if err := applyTransfer(state, e); err != nil {
			return err
		}
	case domain.KindApprovalChange:
		var p domain.ApprovalPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.Approved {
			state.ApprovedWallets[e.PrimaryWallet] = true
		} else {
			delete(state.ApprovedWallets, e.PrimaryWallet)
		}
	case domain.KindConvertibleConversion:
		var p domain.ConversionPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if seq, ok := state.ConvertedInstruments[p.InstrumentID]; ok {
			return domain.InvariantError("instrument %s already converted at sequence %d", p.InstrumentID, seq)
		}
		if err := state.Credit(e.PrimaryWallet, e.ShareClass, e.ShareCount, e.MoneyAmountCents); err != nil {
			return err
		}
		state.ConvertedInstruments[p.InstrumentID] = e.Sequence
	case domain.KindVestingRelease:
		class := e.ShareClass
		if class == "" {
			class = opts.DefaultShareClass
		}
		if class == "" {
			return domain.PolicyError("vesting release at sequence %d has no default share class", e.Sequence)
		}
		if err := state.Credit(e.PrimaryWallet, class, e.ShareCount, e.SecondaryMoneyAmountCents); err != nil {
			return err
		}
	case domain.KindDividendPayment:
		if err := state.RecordDividend(e.MoneyAmountCents); err != nil {
			return err
		}
	case domain.KindStockSplit:
		var p domain.SplitPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if err := applySplit(state, e.Sequence, p); err != nil {
			return err
		}
	case domain.KindFundingRoundOpened:
	case domain.KindFundingRoundClosed:
		var p domain.RoundMarkerPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		state.ClosedRounds = append(state.ClosedRounds, p)
	default:
		return &domain.SchemaError{Kind: e.Kind, Field: "kind", Reason: "is unknown"}
	}

	state.AsOfSequence = e.Sequence
	return nil
}

func applyTransfer(state *domain.LedgerState, e domain.Event) error {
	src := state.Position(e.PrimaryWallet, e.ShareClass)
	if src.Shares < e.ShareCount {
		return fmt.Errorf("%w: %w: %s holds %d %s shares, transfer needs %d",
			domain.ErrInvariant, domain.ErrInsufficientBalance, e.PrimaryWallet, src.Shares, e.ShareClass, e.ShareCount)
	}

	// cost basis follows the shares pro-rata; a full exit carries the whole basis.
	basis := src.CostBasisCents
	if e.ShareCount < src.Shares {
		moved := new(big.Int).Mul(big.NewInt(src.CostBasisCents), big.NewInt(e.ShareCount))
		basis = moved.Quo(moved, big.NewInt(src.Shares)).Int64()
	}

	return state.Move(e.PrimaryWallet, e.SecondaryWallet, e.ShareClass, e.ShareCount, basis)
}

// applySplit scales every position by numerator/denominator, flooring each result and
// recording what was floored away. Every result and class total is checked before the
// first position changes.
func applySplit(state *domain.LedgerState, seq uint64, p domain.SplitPayload) error {
	num := big.NewInt(p.Numerator)
	den := big.NewInt(p.Denominator)

	type scaled struct {
		pos domain.Position
		rem *big.Int
	}
	var (
		results []scaled
		totals  = make(map[string]*big.Int)
	)
	for _, pos := range state.SortedPositions() {
		product := new(big.Int).Mul(big.NewInt(pos.Shares), num)
		whole, rem := new(big.Int).QuoRem(product, den, new(big.Int))
		if !whole.IsInt64() {
			return domain.InvariantError("split %d:%d of %s/%s overflows int64", p.Numerator, p.Denominator, pos.Wallet, pos.ShareClass)
		}

		total, ok := totals[pos.ShareClass]
		if !ok {
			total = new(big.Int)
			totals[pos.ShareClass] = total
		}
		if !total.Add(total, whole).IsInt64() {
			return domain.InvariantError("split %d:%d overflows the %s class total", p.Numerator, p.Denominator, pos.ShareClass)
		}

		pos.Shares = whole.Int64()
		results = append(results, scaled{pos: pos, rem: rem})
	}

	for _, r := range results {
		if err := state.ReplacePosition(r.pos); err != nil {
			return err
		}
		if r.rem.Sign() != 0 {
			state.SplitResidues = append(state.SplitResidues, domain.SplitResidue{
				Sequence:         seq,
				Wallet:           r.pos.Wallet,
				ShareClass:       r.pos.ShareClass,
				FractionalShares: decimal.NewFromBigInt(r.rem, 0).DivRound(decimal.NewFromBigInt(den, 0), 8),
			})
		}
	}
	return nil
}
