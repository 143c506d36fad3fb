// Package persistence journals executed trades to sqlite. Writes are
// batched: a trade event buffers an insert, and a background loop flushes
// the buffer on size, interval, or shutdown.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchtrader/internal/events"
	"batchtrader/pkg/db"
)

type writeOp struct {
	query string
	args  []any
}

// Journal records every executed trade from the event bus.
type Journal struct {
	db          *sql.DB
	maxSize     int
	flushIntval time.Duration

	mu     sync.Mutex
	buffer []writeOp

	done  chan struct{}
	wg    sync.WaitGroup
	unsub func()
}

// NewJournal creates a journal flushing at maxSize buffered inserts or
// every interval, whichever comes first.
func NewJournal(database *db.Database, maxSize int, interval time.Duration) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Journal{
		db:          database.DB,
		maxSize:     maxSize,
		flushIntval: interval,
		buffer:      make([]writeOp, 0, maxSize),
		done:        make(chan struct{}),
	}
}

// Start subscribes to trade events and launches the flush loop.
func (j *Journal) Start(bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventTrade, 256)
	j.unsub = unsub

	j.wg.Add(2)
	go j.consume(ch)
	go j.backgroundFlush()
}

// Stop unsubscribes, drains the buffer and waits for the loops.
func (j *Journal) Stop() {
	if j.unsub != nil {
		j.unsub()
	}
	close(j.done)
	j.wg.Wait()
	if err := j.Flush(); err != nil {
		log.Printf("journal: final flush failed: %v", err)
	}
}

func (j *Journal) consume(ch <-chan any) {
	defer j.wg.Done()
	for payload := range ch {
		env, ok := payload.(events.Envelope)
		if !ok {
			continue
		}
		trade, ok := env.Data.(events.Trade)
		if !ok {
			continue
		}
		j.Record(trade)
	}
}

// Record buffers one trade insert, flushing when the buffer is full.
func (j *Journal) Record(t events.Trade) {
	j.mu.Lock()
	j.buffer = append(j.buffer, writeOp{
		query: `INSERT INTO trades (id, batch_id, instrument, side, price, base_amount, quote_value, fee, reason, wallet, created_at)
		        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{uuid.NewString(), t.BatchID, t.Instrument, t.Side, t.Price,
			t.BaseAmount, t.QuoteValue, t.Fee, t.Reason, t.Wallet, t.At},
	})
	full := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if full {
		if err := j.Flush(); err != nil {
			log.Printf("journal: flush failed: %v", err)
		}
	}
}

// Flush writes all buffered inserts in one transaction.
func (j *Journal) Flush() error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	ops := j.buffer
	j.buffer = make([]writeOp, 0, j.maxSize)
	j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

func (j *Journal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				log.Printf("journal: flush failed: %v", err)
			}
		}
	}
}

// Recent returns the latest trades, newest first, optionally filtered by
// instrument.
func (j *Journal) Recent(ctx context.Context, instrument string, limit int) ([]events.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT batch_id, instrument, side, price, base_amount, quote_value, fee, reason, wallet, created_at
	          FROM trades`
	args := []any{}
	if instrument != "" {
		query += ` WHERE instrument = ?`
		args = append(args, instrument)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []events.Trade
	for rows.Next() {
		var t events.Trade
		if err := rows.Scan(&t.BatchID, &t.Instrument, &t.Side, &t.Price,
			&t.BaseAmount, &t.QuoteValue, &t.Fee, &t.Reason, &t.Wallet, &t.At); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
