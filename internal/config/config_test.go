package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
feed:
  endpoints:
    - wss://feed-a.example.com
sources:
  - id: whale-1
    address: addr-1
    active: true
    capital_usd: 500
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if c.Feed.ProbeIntervalSeconds != 20 || c.Feed.SilenceTimeoutSeconds != 90 {
		t.Fatalf("probe defaults missing: %+v", c.Feed)
	}
	if c.Feed.BufferSize != 100 || c.Feed.Reconnect.RotateAfterFailures != 2 {
		t.Fatalf("feed defaults missing: %+v", c.Feed)
	}
	if c.Risk.MaxPositionFraction != 0.20 || c.Risk.CooldownSeconds != 3600 {
		t.Fatalf("risk defaults missing: %+v", c.Risk)
	}
	if c.Risk.Kelly.SafetyFactor != 0.5 || c.Risk.Kelly.MinSampleSize != 10 {
		t.Fatalf("kelly defaults missing: %+v", c.Risk.Kelly)
	}
	if c.Execution.MaxRetries != 3 || c.Execution.BackoffBaseMs != 250 {
		t.Fatalf("execution defaults missing: %+v", c.Execution)
	}
	if c.HTTPAddr != ":8090" {
		t.Fatalf("http addr default missing: %q", c.HTTPAddr)
	}
	if c.Ledger.TradesPath != "data/trades.jsonl" {
		t.Fatalf("ledger defaults missing: %+v", c.Ledger)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]struct {
		yaml    string
		wantErr string
	}{
		"no endpoints": {
			yaml:    "sources:\n  - id: s\n    address: a\n",
			wantErr: "endpoint",
		},
		"missing source id": {
			yaml:    minimalYAML + "  - address: addr-2\n",
			wantErr: "id and address",
		},
		"duplicate source id": {
			yaml:    minimalYAML + "  - id: whale-1\n    address: addr-2\n",
			wantErr: "duplicate",
		},
		"negative bankroll": {
			yaml:    minimalYAML + "    bankroll_usd: -5\n",
			wantErr: "bankroll",
		},
		"too many tiers": {
			yaml: minimalYAML + `    exit:
      mode: tiered
      tiers:
        - {sell_fraction: 0.2, gain_pct: 10}
        - {sell_fraction: 0.2, gain_pct: 20}
        - {sell_fraction: 0.2, gain_pct: 30}
        - {sell_fraction: 0.2, gain_pct: 40}
`,
			wantErr: "tiers",
		},
		"tier fraction out of range": {
			yaml: minimalYAML + `    exit:
      mode: tiered
      tiers:
        - {sell_fraction: 1.5, gain_pct: 10}
`,
			wantErr: "sell_fraction",
		},
		"tiers out of order": {
			yaml: minimalYAML + `    exit:
      mode: tiered
      tiers:
        - {sell_fraction: 0.3, gain_pct: 25}
        - {sell_fraction: 0.3, gain_pct: 10}
`,
			wantErr: "ascending",
		},
		"unknown exit mode": {
			yaml: minimalYAML + `    exit:
      mode: yolo
`,
			wantErr: "unknown mode",
		},
		"trailing without pct": {
			yaml: minimalYAML + `    exit:
      mode: tiered
      trailing: true
`,
			wantErr: "trail_pct",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("config accepted, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestSnapshotIndexesAndActiveAddresses(t *testing.T) {
	snap := NewSnapshot([]Source{
		{ID: "a", Address: "addr-a", Active: true},
		{ID: "b", Address: "addr-b", Active: false},
	})

	if _, ok := snap.Sources["a"]; !ok {
		t.Fatalf("source index missing id a")
	}
	if _, ok := snap.ByAddr["addr-b"]; !ok {
		t.Fatalf("address index missing addr-b")
	}

	addrs := snap.ActiveAddresses()
	if len(addrs) != 1 || addrs[0] != "addr-a" {
		t.Fatalf("active addresses = %v, want [addr-a]", addrs)
	}
}

func TestStoreSwapsSnapshotsAtomically(t *testing.T) {
	st := NewStore(NewSnapshot([]Source{{ID: "a", Address: "addr-a", Active: true}}))

	old := st.Current()
	st.Replace(NewSnapshot([]Source{{ID: "b", Address: "addr-b", Active: true}}))

	if _, ok := old.Sources["a"]; !ok {
		t.Fatalf("old snapshot mutated by replace")
	}
	if _, ok := st.Current().Sources["b"]; !ok {
		t.Fatalf("replace not visible")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	st := NewStore(NewSnapshot(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed := make(chan *Snapshot, 1)
	go st.Watch(ctx, path, 10*time.Millisecond, func(s *Snapshot) {
		select {
		case changed <- s:
		default:
		}
	})

	// Rewrite with a second source and a guaranteed-newer mtime.
	updated := minimalYAML + "  - id: whale-2\n    address: addr-2\n    active: true\n"
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case snap := <-changed:
		if len(snap.Sources) != 2 {
			t.Fatalf("reloaded sources = %d, want 2", len(snap.Sources))
		}
	case <-ctx.Done():
		t.Fatalf("watcher never fired")
	}

	if len(st.Current().Sources) != 2 {
		t.Fatalf("store still serving the old snapshot")
	}
}

func TestWatchKeepsOldSnapshotOnInvalidEdit(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	root, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st := NewStore(NewSnapshot(root.Sources))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go st.Watch(ctx, path, 10*time.Millisecond, nil)

	if err := os.WriteFile(path, []byte("feed:\n  endpoints: []\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	<-ctx.Done()
	if len(st.Current().Sources) != 1 {
		t.Fatalf("invalid edit replaced the live snapshot")
	}
}
