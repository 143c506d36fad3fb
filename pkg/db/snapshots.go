package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoSnapshot means neither the primary nor the backup slot holds a
// usable snapshot.
var ErrNoSnapshot = errors.New("db: no snapshot")

const (
	slotPrimary = 1
	slotBackup  = 2
)

// SnapshotStore persists opaque versioned session snapshots. Saving demotes
// the previous primary to the backup slot; loading falls back to the backup
// when the primary cannot be decoded.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore wraps the database's snapshot slots.
func NewSnapshotStore(d *Database) *SnapshotStore {
	return &SnapshotStore{db: d.DB}
}

// Save writes payload as the new primary snapshot inside one transaction,
// moving the previous primary (if any) to the backup slot first.
func (s *SnapshotStore) Save(ctx context.Context, version int, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (slot, version, payload, saved_at)
		SELECT ?, version, payload, saved_at FROM snapshots WHERE slot = ?
	`, slotBackup, slotPrimary); err != nil {
		return fmt.Errorf("demote primary snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (slot, version, payload, saved_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	`, slotPrimary, version, string(payload)); err != nil {
		return fmt.Errorf("write primary snapshot: %w", err)
	}
	return tx.Commit()
}

// Load reads the primary snapshot and hands it to decode; when the primary
// is missing or decode rejects it, the backup slot is tried before giving
// up with ErrNoSnapshot.
func (s *SnapshotStore) Load(ctx context.Context, decode func(version int, payload []byte) error) error {
	var lastErr error
	for _, slot := range []int{slotPrimary, slotBackup} {
		var version int
		var payload string
		err := s.db.QueryRowContext(ctx,
			`SELECT version, payload FROM snapshots WHERE slot = ?`, slot,
		).Scan(&version, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			lastErr = fmt.Errorf("read snapshot slot %d: %w", slot, err)
			continue
		}
		if err := decode(version, []byte(payload)); err != nil {
			lastErr = fmt.Errorf("decode snapshot slot %d: %w", slot, err)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoSnapshot, lastErr)
	}
	return ErrNoSnapshot
}
