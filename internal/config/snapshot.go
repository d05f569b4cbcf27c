package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/tmercier/copybot/internal/observ"
)

// Snapshot is an immutable view of the watched-source set. Processing code
// reads a snapshot once per cycle; the watcher swaps the whole snapshot on
// change rather than mutating shared fields.
type Snapshot struct {
	Sources  map[string]Source // keyed by source id
	ByAddr   map[string]Source // keyed by on-chain address
	LoadedAt time.Time
}

func NewSnapshot(sources []Source) *Snapshot {
	s := &Snapshot{
		Sources:  make(map[string]Source, len(sources)),
		ByAddr:   make(map[string]Source, len(sources)),
		LoadedAt: time.Now().UTC(),
	}
	for _, src := range sources {
		s.Sources[src.ID] = src
		s.ByAddr[src.Address] = src
	}
	return s
}

// ActiveAddresses returns the addresses the feed should watch.
func (s *Snapshot) ActiveAddresses() []string {
	addrs := make([]string, 0, len(s.ByAddr))
	for addr, src := range s.ByAddr {
		if src.Active {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Store hands out the current snapshot and lets a background watcher replace
// it atomically.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	st.cur.Store(initial)
	return st
}

func (st *Store) Current() *Snapshot { return st.cur.Load() }

func (st *Store) Replace(s *Snapshot) { st.cur.Store(s) }

// Watch polls the config file's mtime and reloads the source set on change.
// Invalid edits are logged and skipped; the previous snapshot stays live.
func (st *Store) Watch(ctx context.Context, path string, interval time.Duration, onChange func(*Snapshot)) {
	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fi, err := os.Stat(path)
			if err != nil || !fi.ModTime().After(lastMod) {
				continue
			}
			lastMod = fi.ModTime()
			root, err := Load(path)
			if err != nil {
				observ.Error("config_reload_failed", err, map[string]any{"path": path})
				continue
			}
			snap := NewSnapshot(root.Sources)
			st.Replace(snap)
			observ.Log("config_reloaded", map[string]any{
				"path":    path,
				"sources": len(snap.Sources),
			})
			if onChange != nil {
				onChange(snap)
			}
		}
	}
}
