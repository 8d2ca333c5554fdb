package rebalance

import (
	"fmt"
	"strings"
	"time"
)

// Reason names the outcome of an evaluation.
type Reason string

const (
	ReasonNone      Reason = "NONE"
	ReasonEmergency Reason = "EMERGENCY"
	ReasonForced    Reason = "FORCED"
	ReasonScheduled Reason = "SCHEDULED"
	ReasonWaiting   Reason = "WAITING"
	ReasonCooldown  Reason = "COOLDOWN"
)

// Config holds the policy thresholds.
type Config struct {
	// Intervals maps symbol to its scheduled rebalance interval. Lookup is case-insensitive.
	Intervals           map[string]time.Duration
	DefaultInterval     time.Duration
	WaitForProfit       bool
	Cooldown            time.Duration
	ForceAfter          time.Duration
	EmergencyOnBreakout bool
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Intervals:           map[string]time.Duration{},
		DefaultInterval:     12 * time.Hour,
		WaitForProfit:       true,
		Cooldown:            30 * time.Minute,
		ForceAfter:          24 * time.Hour,
		EmergencyOnBreakout: true,
	}
}

// Input is the ledger view the policy needs for one evaluation.
type Input struct {
	Symbol          string
	Now             time.Time
	LastRebalanceAt time.Time
	OutOfRange      bool
	OutOfRangeFor   time.Duration
	OpenPositions   int
	Unprofitable    int
}

// AllProfitable is true when every open position is in profit, or none are open.
func (in Input) AllProfitable() bool {
	return in.Unprofitable == 0
}

// Decision is the result of Evaluate.
type Decision struct {
	Trigger       bool
	Reason        Reason
	Message       string
	AllProfitable bool
	Forced        bool
	Elapsed       time.Duration
	Unprofitable  int
	Open          int
}

// Policy decides whether a grid must be rebuilt. It holds no mutable state and is safe to
// share between symbols.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy. Zero durations fall back to DefaultConfig values.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.ForceAfter <= 0 {
		cfg.ForceAfter = def.ForceAfter
	}
	return &Policy{cfg: cfg}
}

// Interval returns the scheduled interval for symbol.
func (p *Policy) Interval(symbol string) time.Duration {
	if v, ok := p.cfg.Intervals[symbol]; ok {
		return v
	}
	for k, v := range p.cfg.Intervals {
		if strings.EqualFold(k, symbol) {
			return v
		}
	}
	return p.cfg.DefaultInterval
}

// Evaluate applies the rules in priority order: EMERGENCY, FORCED, SCHEDULED, WAITING.
// The cooldown suppresses EMERGENCY and SCHEDULED but never FORCED.
func (p *Policy) Evaluate(in Input) Decision {
	elapsed := in.Now.Sub(in.LastRebalanceAt)
	allProfitable := in.AllProfitable()
	d := Decision{
		Reason:        ReasonNone,
		AllProfitable: allProfitable,
		Elapsed:       elapsed,
		Unprofitable:  in.Unprofitable,
		Open:          in.OpenPositions,
	}
	coolingDown := p.cfg.Cooldown > 0 && elapsed < p.cfg.Cooldown
	intervalDue := elapsed > p.Interval(in.Symbol)
	breakout := in.OutOfRange && p.cfg.EmergencyOnBreakout
	suppressed := false

	// 1. EMERGENCY
	if breakout && (allProfitable || !p.cfg.WaitForProfit) {
		if !coolingDown {
			d.Trigger = true
			d.Reason = ReasonEmergency
			if allProfitable {
				d.Message = "EMERGENCY: price breakout, all positions profitable"
			} else {
				d.Message = fmt.Sprintf("EMERGENCY: price breakout, %d/%d positions unprofitable", in.Unprofitable, in.OpenPositions)
			}
			return d
		}
		suppressed = true
	}

	// 2. FORCED
	if in.OutOfRange && in.OutOfRangeFor > p.cfg.ForceAfter {
		d.Trigger = true
		d.Forced = true
		d.Reason = ReasonForced
		d.Message = fmt.Sprintf("FORCED after %.1fh: price out of range, %d/%d positions unprofitable",
			in.OutOfRangeFor.Hours(), in.Unprofitable, in.OpenPositions)
		return d
	}

	// 3. SCHEDULED
	if intervalDue && (allProfitable || !p.cfg.WaitForProfit) {
		if !coolingDown {
			d.Trigger = true
			d.Reason = ReasonScheduled
			if allProfitable {
				d.Message = fmt.Sprintf("SCHEDULED: %.1fh passed, all positions profitable", elapsed.Hours())
			} else {
				d.Message = fmt.Sprintf("SCHEDULED: %.1fh passed, %d/%d positions unprofitable", elapsed.Hours(), in.Unprofitable, in.OpenPositions)
			}
			return d
		}
		suppressed = true
	}

	// 4. WAITING
	if (intervalDue || breakout) && !allProfitable && p.cfg.WaitForProfit {
		d.Reason = ReasonWaiting
		d.Message = fmt.Sprintf("%.1fh passed but waiting for profit: %d/%d positions unprofitable",
			elapsed.Hours(), in.Unprofitable, in.OpenPositions)
		return d
	}

	if suppressed {
		d.Reason = ReasonCooldown
		d.Message = fmt.Sprintf("cooldown active: last rebalance %.0fm ago", elapsed.Minutes())
	}
	return d
}
