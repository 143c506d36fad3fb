package persistence

import (
	"context"
	"testing"
	"time"

	"batchtrader/internal/events"
	"batchtrader/pkg/db"
)

func newTestJournal(t *testing.T) (*Journal, func()) {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("db.NewInMemory: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	j := NewJournal(database, 50, time.Hour)
	return j, func() { _ = database.Close() }
}

func sampleTrade(instrument string, at time.Time) events.Trade {
	return events.Trade{
		BatchID:    "batch-1",
		Instrument: instrument,
		Side:       "buy",
		BaseAmount: 0.9975,
		QuoteValue: 100,
		Price:      100,
		Fee:        0.25,
		Reason:     "entry",
		Wallet:     900,
		At:         at,
	}
}

func TestJournalFlushAndRecent(t *testing.T) {
	j, cleanup := newTestJournal(t)
	defer cleanup()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.Record(sampleTrade("XBT/EUR", base))
	j.Record(sampleTrade("ETH/EUR", base.Add(time.Minute)))

	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	all, err := j.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Recent returned %d trades, want 2", len(all))
	}
	if all[0].Instrument != "ETH/EUR" {
		t.Fatalf("newest first: got %s", all[0].Instrument)
	}

	only, err := j.Recent(context.Background(), "XBT/EUR", 10)
	if err != nil {
		t.Fatalf("Recent filtered: %v", err)
	}
	if len(only) != 1 || only[0].Instrument != "XBT/EUR" {
		t.Fatalf("filtered = %+v", only)
	}
}

func TestJournalFlushesWhenBufferFull(t *testing.T) {
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("db.NewInMemory: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	j := NewJournal(database, 3, time.Hour)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		j.Record(sampleTrade("XBT/EUR", base.Add(time.Duration(i)*time.Second)))
	}

	// No explicit Flush: hitting maxSize writes through.
	rows, err := j.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Recent returned %d trades, want 3", len(rows))
	}
}

func TestJournalConsumesBusEnvelopes(t *testing.T) {
	j, cleanup := newTestJournal(t)
	defer cleanup()

	bus := events.NewBus()
	j.Start(bus)

	bus.Publish(events.EventTrade, events.Envelope{
		Type: events.EventTrade,
		Data: sampleTrade("XBT/EUR", time.Now().UTC()),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = j.Flush()
		rows, err := j.Recent(context.Background(), "", 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(rows) == 1 {
			j.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("trade never reached the journal")
}
