package models

import "fmt"

// Provenance records how a ticket entry came to exist.
type Provenance string

const (
	ProvenancePurchase Provenance = "purchase"
	ProvenanceGift     Provenance = "gift"
	ProvenanceVoucher  Provenance = "voucher"
	ProvenancePrize    Provenance = "prize"
)

// Valid reports whether p is a known provenance.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenancePurchase, ProvenanceGift, ProvenanceVoucher, ProvenancePrize:
		return true
	}
	return false
}

// TicketRange is an inclusive, contiguous range of ticket numbers.
type TicketRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Size returns the number of tickets in the range.
func (r TicketRange) Size() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether n is inside the range.
func (r TicketRange) Contains(n int64) bool { return n >= r.Start && n <= r.End }

func (r TicketRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// TicketEntry is the immutable record of tickets credited to an owner.
type TicketEntry struct {
	ID              string     `db:"id" json:"id"`
	CompetitionSlug string     `db:"competition_slug" json:"competitionSlug"`
	Owner           string     `db:"owner" json:"owner"`
	Quantity        int64      `db:"quantity" json:"quantity"`
	RangeStart      int64      `db:"range_start" json:"rangeStart"`
	RangeEnd        int64      `db:"range_end" json:"rangeEnd"`
	Provenance      Provenance `db:"provenance" json:"provenance"`
	PaymentID       string     `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt       int64      `db:"created_at" json:"createdAt"`
}

// TicketRange returns the entry's ticket numbers.
func (e *TicketEntry) TicketRange() TicketRange {
	return TicketRange{Start: e.RangeStart, End: e.RangeEnd}
}
