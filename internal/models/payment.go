package models

// PaymentStatus is the lifecycle state of an external payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Open reports whether the payment can still move forward.
func (s PaymentStatus) Open() bool {
	return s == PaymentPending || s == PaymentApproved
}

// PaymentRecord is the ledger row for one external payment. PaymentID is the
// idempotency key. RangeStart/RangeEnd are only set once Status is completed.
type PaymentRecord struct {
	PaymentID       string        `db:"payment_id" json:"paymentId"`
	Status          PaymentStatus `db:"status" json:"status"`
	ClaimedAmount   int64         `db:"claimed_amount" json:"claimedAmount"`
	CompetitionSlug string        `db:"competition_slug" json:"competitionSlug"`
	Buyer           string        `db:"buyer" json:"buyerIdentity"`
	TxID            string        `db:"txid" json:"txid"`
	Quantity        int64         `db:"quantity" json:"quantity"`
	RangeStart      int64         `db:"range_start" json:"rangeStart"`
	RangeEnd        int64         `db:"range_end" json:"rangeEnd"`
	FailReason      string        `db:"fail_reason" json:"failReason,omitempty"`
	CreatedAt       int64         `db:"created_at" json:"createdAt"`
	UpdatedAt       int64         `db:"updated_at" json:"updatedAt"`
	CompletedAt     int64         `db:"completed_at" json:"completedAt,omitempty"`
}

// TicketRange returns the assigned range of a completed payment.
func (p *PaymentRecord) TicketRange() TicketRange {
	return TicketRange{Start: p.RangeStart, End: p.RangeEnd}
}

// SameRequest reports whether a repeated settle call carries the same terms
// as the stored record.
func (p *PaymentRecord) SameRequest(slug, buyer string, amount int64) bool {
	return p.CompetitionSlug == slug && p.Buyer == buyer && p.ClaimedAmount == amount
}
