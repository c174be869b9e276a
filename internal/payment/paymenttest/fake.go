// Package paymenttest provides an in-memory Verifier for tests.
package paymenttest

import (
	"context"
	"sync"

	"raffle/internal/apperr"
	"raffle/internal/payment"
)

// Fake is a scriptable payment.Verifier. Unknown payments are unverified.
type Fake struct {
	mu        sync.Mutex
	statuses  map[string]payment.Status
	errs      map[string]error
	confirmed map[string]string
	calls     map[string]int
}

var _ payment.Verifier = (*Fake)(nil)

// NewFake returns a Fake with no scripted payments.
func NewFake() *Fake {
	return &Fake{
		statuses:  map[string]payment.Status{},
		errs:      map[string]error{},
		confirmed: map[string]string{},
		calls:     map[string]int{},
	}
}

// Settle marks paymentID as verified for amount.
func (f *Fake) Settle(paymentID string, amount int64, txid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[paymentID] = payment.Status{Verified: true, Amount: amount, TxID: txid, State: "confirmed"}
	delete(f.errs, paymentID)
}

// SetState reports paymentID as unpaid in the given processor state.
func (f *Fake) SetState(paymentID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[paymentID] = payment.Status{State: state}
	delete(f.errs, paymentID)
}

// Fail makes every call for paymentID return err.
func (f *Fake) Fail(paymentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[paymentID] = err
}

// Timeout makes calls for paymentID fail with verification_timeout.
func (f *Fake) Timeout(paymentID string) {
	f.Fail(paymentID, apperr.New(apperr.KindVerificationTimeout, "processor timeout"))
}

func (f *Fake) GetStatus(_ context.Context, paymentID string) (payment.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[paymentID]++
	if err := f.errs[paymentID]; err != nil {
		return payment.Status{}, err
	}
	st, ok := f.statuses[paymentID]
	if !ok {
		return payment.Status{State: "waiting"}, nil
	}
	return st, nil
}

func (f *Fake) Confirm(_ context.Context, paymentID, txid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[paymentID]; err != nil {
		return err
	}
	f.confirmed[paymentID] = txid
	return nil
}

// Calls returns how many times GetStatus ran for paymentID.
func (f *Fake) Calls(paymentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[paymentID]
}

// Confirmed reports whether Confirm succeeded for paymentID.
func (f *Fake) Confirmed(paymentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.confirmed[paymentID]
	return ok
}
