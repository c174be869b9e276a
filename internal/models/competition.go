package models

import (
	"fmt"
	"time"
)

// CompetitionStatus is the lifecycle state of a competition.
type CompetitionStatus string

const (
	CompetitionDraft     CompetitionStatus = "draft"
	CompetitionActive    CompetitionStatus = "active"
	CompetitionCompleted CompetitionStatus = "completed"
	CompetitionCancelled CompetitionStatus = "cancelled"
)

// Competition is a time-boxed sale of a fixed number of numbered tickets.
// Timestamps are unix milliseconds. UnitPrice is in minor currency units.
type Competition struct {
	Slug         string            `db:"slug" json:"slug"`
	Title        string            `db:"title" json:"title"`
	Capacity     int64             `db:"capacity" json:"capacity"`
	Sold         int64             `db:"sold" json:"sold"`
	UnitPrice    int64             `db:"unit_price" json:"unitPrice"`
	WindowStart  int64             `db:"window_start" json:"windowStart"`
	WindowEnd    int64             `db:"window_end" json:"windowEnd"`
	Status       CompetitionStatus `db:"status" json:"status"`
	WinnersCount int               `db:"winners_count" json:"winnersCount"`
	MaxPerUser   int64             `db:"max_per_user" json:"maxPerUser"` // 0: no competition override
	Drawn        bool              `db:"drawn" json:"drawn"`
	CreatedAt    int64             `db:"created_at" json:"createdAt"`
	UpdatedAt    int64             `db:"updated_at" json:"updatedAt"`
}

// Remaining returns the number of unsold tickets.
func (c *Competition) Remaining() int64 { return c.Capacity - c.Sold }

// InWindow reports whether now falls inside [WindowStart, WindowEnd].
func (c *Competition) InWindow(now time.Time) bool {
	ms := now.UnixMilli()
	return ms >= c.WindowStart && ms <= c.WindowEnd
}

// ClosedByTime reports whether the sale window has ended.
func (c *Competition) ClosedByTime(now time.Time) bool {
	return now.UnixMilli() > c.WindowEnd
}

// Validate checks the static fields of a competition before it is stored.
func (c *Competition) Validate() error {
	switch {
	case c.Slug == "":
		return fmt.Errorf("slug is required")
	case c.Capacity <= 0:
		return fmt.Errorf("capacity must be positive")
	case c.Sold < 0 || c.Sold > c.Capacity:
		return fmt.Errorf("sold must be within [0, capacity]")
	case c.UnitPrice <= 0:
		return fmt.Errorf("unit price must be positive")
	case c.WindowEnd <= c.WindowStart:
		return fmt.Errorf("window end must be after window start")
	case c.WinnersCount <= 0:
		return fmt.Errorf("winners count must be positive")
	case c.MaxPerUser < 0:
		return fmt.Errorf("max per user cannot be negative")
	}
	return nil
}

// CanTransition reports whether the lifecycle allows from -> to.
// draft -> active -> {completed, cancelled}; draft may also be cancelled.
func CanTransition(from, to CompetitionStatus) bool {
	switch from {
	case CompetitionDraft:
		return to == CompetitionActive || to == CompetitionCancelled
	case CompetitionActive:
		return to == CompetitionCompleted || to == CompetitionCancelled
	}
	return false
}
