package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PositionRecord is the durable form of one replica position. The Position
// Manager reconstructs its in-memory state from these on restart.
type PositionRecord struct {
	ID                string    `json:"id"`
	SourceID          string    `json:"source_id"`
	Asset             string    `json:"asset"`
	EntryPrice        float64   `json:"entry_price"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	OriginalQuantity  float64   `json:"original_quantity"`
	CostBasis         float64   `json:"cost_basis"`
	SourceRemaining   float64   `json:"source_remaining"`
	HighestPrice      float64   `json:"highest_price"`
	TrailingStopPrice float64   `json:"trailing_stop_price,omitempty"`
	AppliedTiers      []int     `json:"applied_tiers,omitempty"`
	StopLossFired     bool      `json:"stop_loss_fired,omitempty"`
	Status            string    `json:"status"`
	OpenedAt          time.Time `json:"opened_at"`
}

type snapshotFile struct {
	Version   int64            `json:"version"`
	UpdatedAt string           `json:"updated_at"`
	Positions []PositionRecord `json:"positions"`
}

// SaveSnapshot writes the open-position set atomically (temp file + rename)
// so a crash mid-write never leaves a torn snapshot.
func (l *Ledger) SaveSnapshot(positions []PositionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshotVersion++
	snap := snapshotFile{
		Version:   l.snapshotVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Positions: positions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.snapshotPath), 0755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tempPath := l.snapshotPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := os.Rename(tempPath, l.snapshotPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last durable position set, or nil when no
// snapshot exists yet.
func (l *Ledger) LoadSnapshot() ([]PositionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	l.snapshotVersion = snap.Version
	return snap.Positions, nil
}
