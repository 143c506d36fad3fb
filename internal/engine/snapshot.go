package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"batchtrader/internal/ledger"
)

// SnapshotVersion tags the current snapshot layout.
const SnapshotVersion = 2

type assetSnapshot struct {
	Batches  []*Batch          `json:"batches"`
	Cooldown int               `json:"cooldown"`
	Stats    ledger.AssetStats `json:"stats"`
}

type sessionSnapshot struct {
	Version int                      `json:"version"`
	Wallet  float64                  `json:"wallet"`
	Assets  map[string]assetSnapshot `json:"assets"`
	SavedAt time.Time                `json:"saved_at"`
}

// legacy v1 layout: flat balance field, batches under "positions" and the
// counters inline on the asset.
type legacyAssetV1 struct {
	Positions []*Batch `json:"positions"`
	Cooldown  int      `json:"cooldown"`
	Profit    float64  `json:"profit"`
	Invested  float64  `json:"invested"`
	Trades    int64    `json:"trades"`
}

type legacySessionV1 struct {
	Balance float64                  `json:"balance"`
	Assets  map[string]legacyAssetV1 `json:"assets"`
}

// Snapshot serializes wallet, batches and counters for persistence.
func (e *Engine) Snapshot() (int, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := sessionSnapshot{
		Version: SnapshotVersion,
		Wallet:  e.wallet.Balance(),
		Assets:  make(map[string]assetSnapshot, len(e.assets)),
		SavedAt: time.Now(),
	}
	for sym, a := range e.assets {
		snap.Assets[sym] = assetSnapshot{
			Batches:  a.ActiveBatches(),
			Cooldown: a.Cooldown,
			Stats:    e.wallet.Stats(sym),
		}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return SnapshotVersion, payload, nil
}

// Restore applies a persisted snapshot, migrating older versions to the
// current layout first. Restoring batches is the only path that brings an
// asset up in HOLDING mode.
func (e *Engine) Restore(version int, payload []byte) error {
	snap, err := migrateSnapshot(version, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.wallet.SetBalance(snap.Wallet)
	for sym, as := range snap.Assets {
		a, ok := e.assets[sym]
		if !ok {
			log.Printf("engine: snapshot instrument %s not configured, dropping its state", sym)
			continue
		}
		a.Batches = as.Batches
		a.Cooldown = as.Cooldown
		e.wallet.RestoreStats(sym, as.Stats)
	}
	return nil
}

// migrateSnapshot normalizes any known older version to the current one.
func migrateSnapshot(version int, payload []byte) (sessionSnapshot, error) {
	switch version {
	case SnapshotVersion:
		var snap sessionSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return sessionSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
		}
		return snap, nil

	case 1:
		var old legacySessionV1
		if err := json.Unmarshal(payload, &old); err != nil {
			return sessionSnapshot{}, fmt.Errorf("decode v1 snapshot: %w", err)
		}
		snap := sessionSnapshot{
			Version: SnapshotVersion,
			Wallet:  old.Balance,
			Assets:  make(map[string]assetSnapshot, len(old.Assets)),
		}
		for sym, a := range old.Assets {
			snap.Assets[sym] = assetSnapshot{
				Batches:  a.Positions,
				Cooldown: a.Cooldown,
				Stats: ledger.AssetStats{
					RealizedProfit: a.Profit,
					Invested:       a.Invested,
					Trades:         a.Trades,
				},
			}
		}
		log.Printf("engine: migrated snapshot v1 to v%d", SnapshotVersion)
		return snap, nil

	default:
		return sessionSnapshot{}, fmt.Errorf("unknown snapshot version %d", version)
	}
}
