package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates capitalization events.
type EventKind string

const (
	KindIssue                 EventKind = "issue"
	KindTransfer              EventKind = "transfer"
	KindApprovalChange        EventKind = "approval_change"
	KindConvertibleConversion EventKind = "convertible_conversion"
	KindVestingRelease        EventKind = "vesting_release"
	KindDividendPayment       EventKind = "dividend_payment"
	KindStockSplit            EventKind = "stock_split"
	KindFundingRoundOpened    EventKind = "funding_round_opened"
	KindFundingRoundClosed    EventKind = "funding_round_closed"
)

// EventKinds lists every known kind in declaration order.
var EventKinds = []EventKind{
	KindIssue,
	KindTransfer,
	KindApprovalChange,
	KindConvertibleConversion,
	KindVestingRelease,
	KindDividendPayment,
	KindStockSplit,
	KindFundingRoundOpened,
	KindFundingRoundClosed,
}

// Known reports whether k is one of EventKinds.
func (k EventKind) Known() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is an immutable entry of the capitalization log. Sequence is the only ordering key.
type Event struct {
	Sequence                  uint64          `json:"sequence"`
	Kind                      EventKind       `json:"kind"`
	Timestamp                 time.Time       `json:"timestamp,omitempty"`
	PrimaryWallet             string          `json:"primary_wallet"`
	SecondaryWallet           string          `json:"secondary_wallet,omitempty"`
	ShareCount                int64           `json:"share_count,omitempty"`
	MoneyAmountCents          int64           `json:"money_amount_cents,omitempty"`
	SecondaryMoneyAmountCents int64           `json:"secondary_money_amount_cents,omitempty"`
	ShareClass                string          `json:"share_class,omitempty"`
	Payload                   json.RawMessage `json:"payload,omitempty"`
	ExternalTxRef             string          `json:"external_tx_ref,omitempty"`
	IdempotencyKey            string          `json:"idempotency_key,omitempty"`
}

// IsInvestment reports whether an Issue event carries a purchase price.
func (e Event) IsInvestment() bool {
	return e.Kind == KindIssue && e.SecondaryMoneyAmountCents > 0
}

// ApprovalPayload toggles allowlist membership of PrimaryWallet.
type ApprovalPayload struct {
	Approved bool `json:"approved"`
}

// ConversionPayload links a conversion event to its instrument and round.
type ConversionPayload struct {
	InstrumentID    string          `json:"instrument_id"`
	RoundID         string          `json:"round_id"`
	ConversionPrice decimal.Decimal `json:"conversion_price"`
	InterestCents   int64           `json:"interest_cents,omitempty"`
	ResidueCents    decimal.Decimal `json:"residue_cents"`
}

// VestingPayload references the schedule a release came from.
type VestingPayload struct {
	ScheduleID string `json:"schedule_id,omitempty"`
}

// DividendPayload references the distribution round a payment belongs to and the
// holdings it was allocated over.
type DividendPayload struct {
	RoundID        string `json:"round_id,omitempty"`
	CutoffSequence uint64 `json:"cutoff_sequence,omitempty"`
	ShareClass     string `json:"share_class,omitempty"`
}

// SplitPayload is the ratio applied to every position.
type SplitPayload struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
}

// RoundMarkerPayload describes a funding round on the timeline.
type RoundMarkerPayload struct {
	RoundID           string          `json:"round_id"`
	Name              string          `json:"name,omitempty"`
	PreMoneyCents     int64           `json:"pre_money_cents"`
	PricePerShare     decimal.Decimal `json:"price_per_share,omitempty"`
	PreRoundShares    int64           `json:"pre_round_shares,omitempty"`
	AmountRaisedCents int64           `json:"amount_raised_cents,omitempty"`
	PostMoneyCents    int64           `json:"post_money_cents,omitempty"`
}

// NewEvent builds an event with an encoded payload. A nil payload leaves Payload empty.
func NewEvent(kind EventKind, payload any) (Event, error) {
	e := Event{Kind: kind}
	if payload == nil {
		return e, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	e.Payload = raw
	return e, nil
}

// DecodePayload unmarshals the kind-specific payload into dst.
func (e Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return schemaErr(e.Kind, "payload", "is required")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return schemaErr(e.Kind, "payload", "is malformed: "+err.Error())
	}
	return nil
}

// Validate checks the kind-specific required fields. Sequence is not checked here;
// ordering belongs to the log.
func (e Event) Validate() error {
	if e.ShareCount < 0 {
		return schemaErr(e.Kind, "share_count", "must not be negative")
	}
	if e.MoneyAmountCents < 0 || e.SecondaryMoneyAmountCents < 0 {
		return schemaErr(e.Kind, "money_amount_cents", "must not be negative")
	}

	switch e.Kind {
	case KindIssue:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		if e.ShareCount == 0 {
			return schemaErr(e.Kind, "share_count", "must be positive")
		}
		if e.ShareClass == "" {
			return schemaErr(e.Kind, "share_class", "is required")
		}
	case KindTransfer:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		if e.SecondaryWallet == "" {
			return schemaErr(e.Kind, "secondary_wallet", "is required")
		}
		if e.PrimaryWallet == e.SecondaryWallet {
			return schemaErr(e.Kind, "secondary_wallet", "must differ from primary_wallet")
		}
		if e.ShareCount == 0 {
			return schemaErr(e.Kind, "share_count", "must be positive")
		}
		if e.ShareClass == "" {
			return schemaErr(e.Kind, "share_class", "is required")
		}
	case KindApprovalChange:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		var p ApprovalPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
	case KindConvertibleConversion:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		if e.ShareClass == "" {
			return schemaErr(e.Kind, "share_class", "is required")
		}
		var p ConversionPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.InstrumentID == "" {
			return schemaErr(e.Kind, "payload.instrument_id", "is required")
		}
	case KindVestingRelease:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		if e.ShareCount == 0 {
			return schemaErr(e.Kind, "share_count", "must be positive")
		}
	case KindDividendPayment:
		if e.PrimaryWallet == "" {
			return schemaErr(e.Kind, "primary_wallet", "is required")
		}
		if e.MoneyAmountCents == 0 {
			return schemaErr(e.Kind, "money_amount_cents", "must be positive")
		}
	case KindStockSplit:
		var p SplitPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.Numerator <= 0 || p.Denominator <= 0 {
			return schemaErr(e.Kind, "payload", "numerator and denominator must be positive")
		}
	case KindFundingRoundOpened, KindFundingRoundClosed:
		var p RoundMarkerPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.RoundID == "" {
			return schemaErr(e.Kind, "payload.round_id", "is required")
		}
	default:
		return schemaErr(e.Kind, "kind", "is unknown")
	}

	return nil
}
