package models

// Outbox topics.
const (
	TopicTicketsSettled = "tickets_settled"
	TopicTicketsIssued  = "tickets_issued"
	TopicRefundRequired = "refund_required"
	TopicPaymentStuck   = "payment_stuck"
	TopicWinnersDrawn   = "winners_drawn"
	TopicSoldOut        = "competition_sold_out"
)

// SettledEvent is enqueued by a successful settlement or ticket grant.
type SettledEvent struct {
	PaymentID       string      `json:"paymentId,omitempty"`
	CompetitionSlug string      `json:"competitionSlug"`
	Owner           string      `json:"owner"`
	Quantity        int64       `json:"quantity"`
	Tickets         TicketRange `json:"tickets"`
	Provenance      Provenance  `json:"provenance"`
	Amount          int64       `json:"amount,omitempty"`
	SoldOut         bool        `json:"soldOut"`
	At              int64       `json:"at"`
}

// RefundEvent flags a payment that was confirmed at the processor but could
// not be credited.
type RefundEvent struct {
	PaymentID       string `json:"paymentId"`
	CompetitionSlug string `json:"competitionSlug"`
	Buyer           string `json:"buyerIdentity"`
	Amount          int64  `json:"amount"`
	TxID            string `json:"txid"`
	Reason          string `json:"reason"`
	At              int64  `json:"at"`
}

// DrawnEvent is enqueued with the winner records of a draw.
type DrawnEvent struct {
	CompetitionSlug string         `json:"competitionSlug"`
	Winners         []WinnerRecord `json:"winners"`
	PoolSize        int64          `json:"poolSize"`
	At              int64          `json:"at"`
}

// StuckEvent flags a payment the processor reports as paid that never
// finished settling. It is left for manual review and never auto-credited.
type StuckEvent struct {
	PaymentID       string        `json:"paymentId"`
	CompetitionSlug string        `json:"competitionSlug"`
	Buyer           string        `json:"buyerIdentity"`
	Amount          int64         `json:"amount"`
	Status          PaymentStatus `json:"status"`
	TxID            string        `json:"txid"`
	At              int64         `json:"at"`
}
