package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	d, err := NewInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewSnapshotStore(d)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]float64{"wallet": 123.45})
	if err := s.Save(ctx, 2, payload); err != nil {
		t.Fatalf("save: %v", err)
	}

	var got map[string]float64
	var gotVersion int
	err := s.Load(ctx, func(version int, payload []byte) error {
		gotVersion = version
		return json.Unmarshal(payload, &got)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotVersion != 2 || got["wallet"] != 123.45 {
		t.Fatalf("loaded version=%d payload=%v", gotVersion, got)
	}
}

func TestSnapshotBackupFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, 2, []byte(`{"wallet": 100}`)); err != nil {
		t.Fatalf("save good: %v", err)
	}
	// Second save demotes the good snapshot to the backup slot.
	if err := s.Save(ctx, 2, []byte(`{corrupt`)); err != nil {
		t.Fatalf("save corrupt: %v", err)
	}

	var got map[string]float64
	err := s.Load(ctx, func(version int, payload []byte) error {
		return json.Unmarshal(payload, &got)
	})
	if err != nil {
		t.Fatalf("load should fall back to backup, got %v", err)
	}
	if got["wallet"] != 100 {
		t.Fatalf("fallback payload=%v, expected the demoted snapshot", got)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	s := newTestStore(t)
	err := s.Load(context.Background(), func(int, []byte) error { return nil })
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}
