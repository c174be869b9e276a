// Package payment talks to the external payment processor. The settlement
// engine only depends on the Verifier interface; HTTPVerifier is the
// production implementation.
package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"raffle/internal/apperr"
)

// Status is the processor's view of one payment. Amount is in minor units.
type Status struct {
	Verified bool
	Amount   int64
	TxID     string
	State    string
}

// Verifier confirms that a claimed payment actually settled. Implementations
// must return an apperr of kind verification_timeout when the processor could
// not be reached in time, never a zero Status with a nil error.
type Verifier interface {
	GetStatus(ctx context.Context, paymentID string) (Status, error)
	Confirm(ctx context.Context, paymentID, txid string) error
}

// MinorUnitScale is the number of decimal places between the processor's
// major-unit amounts and the minor units stored in the ledger.
const MinorUnitScale = 2

// ToMinorUnits converts a decimal amount string such as "2.50" into minor
// units (250). Amounts with more precision than the scale are rejected rather
// than rounded.
func ToMinorUnits(amount string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, err, "invalid amount "+amount)
	}
	shifted := d.Shift(scale)
	if !shifted.IsInteger() {
		return 0, apperr.New(apperr.KindValidation, "amount %s has more than %d decimal places", amount, scale)
	}
	if shifted.IsNegative() {
		return 0, apperr.New(apperr.KindValidation, "amount %s is negative", amount)
	}
	return shifted.IntPart(), nil
}

// FormatMinorUnits renders minor units as a fixed-point major-unit string.
func FormatMinorUnits(amount int64, scale int32) string {
	return decimal.New(amount, -scale).StringFixed(scale)
}
