package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type Feed struct {
	Endpoints             []string  `yaml:"endpoints"`
	ProbeIntervalSeconds  int       `yaml:"probe_interval_seconds"`
	SilenceTimeoutSeconds int       `yaml:"silence_timeout_seconds"`
	MaxProbeTimeouts      int       `yaml:"max_probe_timeouts"`
	BufferSize            int       `yaml:"buffer_size"`
	Reconnect             Reconnect `yaml:"reconnect"`

	// Polling fallback, used when streaming is unavailable.
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	PollAfterFailures int `yaml:"poll_after_failures"`
}

type Reconnect struct {
	InitialDelayMs      int     `yaml:"initial_delay_ms"`
	MaxDelayMs          int     `yaml:"max_delay_ms"`
	JitterPct           float64 `yaml:"jitter_pct"`
	RotateAfterFailures int     `yaml:"rotate_after_failures"`
}

type Kelly struct {
	SafetyFactor  float64 `yaml:"safety_factor"`
	MinSampleSize int     `yaml:"min_sample_size"`
}

type Risk struct {
	CapitalBase          float64 `yaml:"capital_base_usd"`
	MaxPositionFraction  float64 `yaml:"max_position_fraction"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	CooldownSeconds      int     `yaml:"cooldown_seconds"`
	Kelly                Kelly   `yaml:"kelly"`
}

type Execution struct {
	MaxRetries      int     `yaml:"max_retries"`
	BackoffBaseMs   int     `yaml:"backoff_base_ms"`
	BackoffMaxMs    int     `yaml:"backoff_max_ms"`
	FillTimeoutMs   int     `yaml:"fill_timeout_ms"`
	SubmitPerSecond float64 `yaml:"submit_per_second"`
}

type Oracle struct {
	URL            string `yaml:"url"` // price endpoint, empty disables price-driven exits
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type Ledger struct {
	TradesPath   string `yaml:"trades_path"`
	SnapshotPath string `yaml:"snapshot_path"`
}

type Tier struct {
	SellFraction float64 `yaml:"sell_fraction"`
	GainPct      float64 `yaml:"gain_pct"`
}

type StopLoss struct {
	SellFraction float64 `yaml:"sell_fraction"`
	LossPct      float64 `yaml:"loss_pct"`
}

// ExitPolicy is either mirror (follow the source's own exits) or tiered
// (independent take-profit tiers plus a stop-loss).
type ExitPolicy struct {
	Mode     string    `yaml:"mode"` // mirror | tiered
	Tiers    []Tier    `yaml:"tiers"`
	StopLoss *StopLoss `yaml:"stop_loss"`
	Trailing bool      `yaml:"trailing"`
	TrailPct float64   `yaml:"trail_pct"`
}

type Source struct {
	ID         string  `yaml:"id"`
	Address    string  `yaml:"address"`
	Active     bool    `yaml:"active"`
	CapitalUSD float64 `yaml:"capital_usd"`
	CapitalPct float64 `yaml:"capital_pct"` // percent of portfolio equity, used when capital_usd is 0
	UseKelly   bool    `yaml:"use_kelly"`
	// BankrollUSD is the estimated size of the watched wallet, used to
	// scale replica buys: a trade worth 10% of the source's bankroll
	// deploys 10% of our allocation. Zero means mirror notional 1:1 up
	// to the allocation.
	BankrollUSD float64    `yaml:"bankroll_usd"`
	Exit        ExitPolicy `yaml:"exit"`
}

type Root struct {
	HTTPAddr  string    `yaml:"http_addr"`
	AlertsURL string    `yaml:"alerts_webhook_url"`
	Feed      Feed      `yaml:"feed"`
	Risk      Risk      `yaml:"risk"`
	Execution Execution `yaml:"execution"`
	Oracle    Oracle    `yaml:"oracle"`
	Ledger    Ledger    `yaml:"ledger"`
	Sources   []Source  `yaml:"sources"`
}

const MaxTiers = 3

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := Validate(c); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8090"
	}

	if c.Feed.ProbeIntervalSeconds == 0 {
		c.Feed.ProbeIntervalSeconds = 20
	}
	if c.Feed.SilenceTimeoutSeconds == 0 {
		c.Feed.SilenceTimeoutSeconds = 90
	}
	if c.Feed.MaxProbeTimeouts == 0 {
		c.Feed.MaxProbeTimeouts = 3
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = 100
	}
	if c.Feed.Reconnect.InitialDelayMs == 0 {
		c.Feed.Reconnect.InitialDelayMs = 500
	}
	if c.Feed.Reconnect.MaxDelayMs == 0 {
		c.Feed.Reconnect.MaxDelayMs = 60000
	}
	if c.Feed.Reconnect.JitterPct == 0 {
		c.Feed.Reconnect.JitterPct = 0.2
	}
	if c.Feed.Reconnect.RotateAfterFailures == 0 {
		c.Feed.Reconnect.RotateAfterFailures = 2
	}
	if c.Feed.PollIntervalMs == 0 {
		c.Feed.PollIntervalMs = 5000
	}
	if c.Feed.PollAfterFailures == 0 {
		c.Feed.PollAfterFailures = 10
	}

	if c.Risk.CapitalBase == 0 {
		c.Risk.CapitalBase = 1000
	}
	if c.Risk.MaxPositionFraction == 0 {
		c.Risk.MaxPositionFraction = 0.20
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 25
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 10
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 5
	}
	if c.Risk.CooldownSeconds == 0 {
		c.Risk.CooldownSeconds = 3600
	}
	if c.Risk.Kelly.SafetyFactor == 0 {
		c.Risk.Kelly.SafetyFactor = 0.5
	}
	if c.Risk.Kelly.MinSampleSize == 0 {
		c.Risk.Kelly.MinSampleSize = 10
	}

	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 3
	}
	if c.Execution.BackoffBaseMs == 0 {
		c.Execution.BackoffBaseMs = 250
	}
	if c.Execution.BackoffMaxMs == 0 {
		c.Execution.BackoffMaxMs = 5000
	}
	if c.Execution.FillTimeoutMs == 0 {
		c.Execution.FillTimeoutMs = 10000
	}
	if c.Execution.SubmitPerSecond == 0 {
		c.Execution.SubmitPerSecond = 5
	}

	if c.Oracle.PollIntervalMs == 0 {
		c.Oracle.PollIntervalMs = 2000
	}

	if c.Ledger.TradesPath == "" {
		c.Ledger.TradesPath = "data/trades.jsonl"
	}
	if c.Ledger.SnapshotPath == "" {
		c.Ledger.SnapshotPath = "data/positions.json"
	}
}

// Validate rejects configurations the engine cannot run safely with.
func Validate(c Root) error {
	if len(c.Feed.Endpoints) == 0 {
		return fmt.Errorf("feed: at least one endpoint required")
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" || s.Address == "" {
			return fmt.Errorf("sources[%d]: id and address required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.CapitalUSD < 0 || s.CapitalPct < 0 || s.CapitalPct > 100 {
			return fmt.Errorf("source %s: invalid capital allocation", s.ID)
		}
		if s.BankrollUSD < 0 {
			return fmt.Errorf("source %s: bankroll_usd must not be negative", s.ID)
		}
		if err := validateExit(s.Exit); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
	}
	return nil
}

func validateExit(p ExitPolicy) error {
	switch p.Mode {
	case "", "mirror":
		return nil
	case "tiered":
	default:
		return fmt.Errorf("exit: unknown mode %q", p.Mode)
	}
	if len(p.Tiers) > MaxTiers {
		return fmt.Errorf("exit: at most %d take-profit tiers supported", MaxTiers)
	}
	for i, t := range p.Tiers {
		if t.SellFraction <= 0 || t.SellFraction > 1 {
			return fmt.Errorf("exit: tier %d sell_fraction must be in (0,1]", i)
		}
		if t.GainPct <= 0 {
			return fmt.Errorf("exit: tier %d gain_pct must be positive", i)
		}
	}
	if !sort.SliceIsSorted(p.Tiers, func(i, j int) bool { return p.Tiers[i].GainPct < p.Tiers[j].GainPct }) {
		return fmt.Errorf("exit: tiers must be in ascending gain_pct order")
	}
	if p.StopLoss != nil {
		if p.StopLoss.SellFraction <= 0 || p.StopLoss.SellFraction > 1 {
			return fmt.Errorf("exit: stop_loss sell_fraction must be in (0,1]")
		}
		if p.StopLoss.LossPct <= 0 {
			return fmt.Errorf("exit: stop_loss loss_pct must be positive")
		}
	}
	if p.Trailing && p.TrailPct <= 0 {
		return fmt.Errorf("exit: trailing requires trail_pct > 0")
	}
	return nil
}
