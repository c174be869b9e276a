// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"raffle/internal/config"
	"raffle/internal/models"
	"raffle/internal/store"
)

// Open returns a migrated store on a fresh database file under t.TempDir,
// served by a single connection.
func Open(t testing.TB) *store.Store {
	t.Helper()
	return OpenPool(t, 1)
}

// OpenPool is Open with conns connections, so goroutines run their
// transactions against the database at the same time instead of queueing
// for one connection.
func OpenPool(t testing.TB, conns int) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raffle.db")
	st, err := store.Open(config.DBConfig{
		Driver:       "sqlite",
		DSN:          "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		MaxOpenConns: conns,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// Competition returns an active competition whose window spans now.
func Competition(slug string, capacity, unitPrice int64) *models.Competition {
	now := time.Now()
	return &models.Competition{
		Slug:         slug,
		Title:        slug,
		Capacity:     capacity,
		UnitPrice:    unitPrice,
		WindowStart:  now.Add(-time.Hour).UnixMilli(),
		WindowEnd:    now.Add(time.Hour).UnixMilli(),
		Status:       models.CompetitionActive,
		WinnersCount: 1,
	}
}

// Seed inserts c and fails the test on error.
func Seed(t testing.TB, st *store.Store, c *models.Competition) *models.Competition {
	t.Helper()
	if err := store.InsertCompetition(context.Background(), st.DB(), c); err != nil {
		t.Fatalf("seed competition %s: %v", c.Slug, err)
	}
	return c
}
