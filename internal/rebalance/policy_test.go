package rebalance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func testPolicy() *Policy {
	cfg := DefaultConfig()
	cfg.Intervals = map[string]time.Duration{"BTCUSDT": 12 * time.Hour, "dogeusdt": 6 * time.Hour}
	return NewPolicy(cfg)
}

func TestEvaluate_ScheduledAllProfitable(t *testing.T) {
	d := testPolicy().Evaluate(Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-12*time.Hour - 30*time.Minute),
		OpenPositions:   3,
	})
	assert.True(t, d.Trigger)
	assert.Equal(t, ReasonScheduled, d.Reason)
	assert.True(t, d.AllProfitable)
	assert.False(t, d.Forced)
	assert.Equal(t, "SCHEDULED: 12.5h passed, all positions profitable", d.Message)
}

func TestEvaluate_WaitingForProfit(t *testing.T) {
	d := testPolicy().Evaluate(Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-12*time.Hour - 30*time.Minute),
		OpenPositions:   3,
		Unprofitable:    1,
	})
	assert.False(t, d.Trigger)
	assert.Equal(t, ReasonWaiting, d.Reason)
	assert.False(t, d.AllProfitable)
	assert.Equal(t, "12.5h passed but waiting for profit: 1/3 positions unprofitable", d.Message)
}

func TestEvaluate_ForcedIgnoresProfitability(t *testing.T) {
	d := testPolicy().Evaluate(Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-30 * time.Hour),
		OutOfRange:      true,
		OutOfRangeFor:   25 * time.Hour,
		OpenPositions:   2,
		Unprofitable:    2,
	})
	assert.True(t, d.Trigger)
	assert.True(t, d.Forced)
	assert.Equal(t, ReasonForced, d.Reason)
	assert.Equal(t, "FORCED after 25.0h: price out of range, 2/2 positions unprofitable", d.Message)
}

func TestEvaluate_EmergencyBeatsScheduled(t *testing.T) {
	d := testPolicy().Evaluate(Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-13 * time.Hour),
		OutOfRange:      true,
		OutOfRangeFor:   time.Minute,
		OpenPositions:   2,
	})
	assert.True(t, d.Trigger)
	assert.Equal(t, ReasonEmergency, d.Reason)
	assert.Equal(t, "EMERGENCY: price breakout, all positions profitable", d.Message)
}

func TestEvaluate_EmergencyDefersWhenUnprofitable(t *testing.T) {
	in := Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-2 * time.Hour),
		OutOfRange:      true,
		OutOfRangeFor:   time.Hour,
		OpenPositions:   2,
		Unprofitable:    1,
	}
	d := testPolicy().Evaluate(in)
	assert.False(t, d.Trigger)
	assert.Equal(t, ReasonWaiting, d.Reason)

	cfg := DefaultConfig()
	cfg.WaitForProfit = false
	d = NewPolicy(cfg).Evaluate(in)
	assert.True(t, d.Trigger)
	assert.Equal(t, ReasonEmergency, d.Reason)
	assert.Equal(t, "EMERGENCY: price breakout, 1/2 positions unprofitable", d.Message)
}

func TestEvaluate_CooldownSuppressesEmergencyAndScheduled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultInterval = 10 * time.Minute
	p := NewPolicy(cfg)

	scheduled := p.Evaluate(Input{Symbol: "ETHUSDT", Now: now, LastRebalanceAt: now.Add(-20 * time.Minute)})
	assert.False(t, scheduled.Trigger)
	assert.Equal(t, ReasonCooldown, scheduled.Reason)

	emergency := p.Evaluate(Input{
		Symbol: "ETHUSDT", Now: now, LastRebalanceAt: now.Add(-5 * time.Minute),
		OutOfRange: true, OutOfRangeFor: time.Minute,
	})
	assert.False(t, emergency.Trigger)
	assert.Equal(t, ReasonCooldown, emergency.Reason)

	// Past the cooldown the same inputs trigger.
	later := p.Evaluate(Input{Symbol: "ETHUSDT", Now: now, LastRebalanceAt: now.Add(-31 * time.Minute)})
	assert.True(t, later.Trigger)
	assert.Equal(t, ReasonScheduled, later.Reason)
}

func TestEvaluate_CooldownNeverSuppressesForced(t *testing.T) {
	d := testPolicy().Evaluate(Input{
		Symbol:          "BTCUSDT",
		Now:             now,
		LastRebalanceAt: now.Add(-10 * time.Minute),
		OutOfRange:      true,
		OutOfRangeFor:   25 * time.Hour,
		OpenPositions:   1,
	})
	assert.True(t, d.Trigger)
	assert.Equal(t, ReasonForced, d.Reason)
}

func TestEvaluate_NothingDue(t *testing.T) {
	d := testPolicy().Evaluate(Input{Symbol: "BTCUSDT", Now: now, LastRebalanceAt: now.Add(-time.Hour), OpenPositions: 1, Unprofitable: 1})
	assert.False(t, d.Trigger)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Empty(t, d.Message)
}

func TestInterval_PerSymbolCaseInsensitive(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 12*time.Hour, p.Interval("BTCUSDT"))
	assert.Equal(t, 6*time.Hour, p.Interval("DOGEUSDT"))
	assert.Equal(t, 12*time.Hour, p.Interval("SOLUSDT"))
}
