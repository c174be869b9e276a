package models

// WinnerRecord stores the outcome of a draw for one prize position,
// linking a drawn ticket number to its owner.
type WinnerRecord struct {
	CompetitionSlug string `db:"competition_slug" json:"competitionSlug"`
	Position        int    `db:"position" json:"position"`
	Owner           string `db:"owner" json:"owner"`
	TicketNumber    int64  `db:"ticket_number" json:"ticketNumber"`
	CreatedAt       int64  `db:"created_at" json:"createdAt"`
}

// DrawResult is returned by the draw engine. AlreadyDrawn is true when the
// winners were created by an earlier invocation and returned unchanged.
type DrawResult struct {
	CompetitionSlug string         `json:"competitionSlug"`
	Winners         []WinnerRecord `json:"winners"`
	PoolSize        int64          `json:"poolSize"`
	AlreadyDrawn    bool           `json:"alreadyDrawn"`
}

// UserLimit is a per-user purchase cap that overrides the global default.
type UserLimit struct {
	Owner      string `db:"owner" json:"owner"`
	MaxTickets int64  `db:"max_tickets" json:"maxTickets"`
	UpdatedAt  int64  `db:"updated_at" json:"updatedAt"`
}
