package statemanager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grid-rebalance-bot/internal/grid"
	"grid-rebalance-bot/internal/models"
	"grid-rebalance-bot/internal/notifier"
	"grid-rebalance-bot/internal/persistence"
	"grid-rebalance-bot/internal/rebalance"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSymbol is returned for symbols that were never added.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// fallbackVolatility is used as a fraction of price until an ATR has been pushed.
var fallbackVolatility = decimal.RequireFromString("0.02")

// Options configures every symbol instance.
type Options struct {
	LevelCount               int
	ATRMultiplier            decimal.Decimal
	TotalInvestment          decimal.Decimal
	Match                    grid.MatchPolicy
	BreakoutBufferMultiplier decimal.Decimal
	MinProfitPercent         decimal.Decimal
}

// instance is the ledger of one symbol plus the bookkeeping around it.
type instance struct {
	mu         sync.Mutex
	ledger     *grid.Ledger
	volatility decimal.Decimal
	// pending holds events whose state has not been persisted yet.
	pending []models.Event
	waiting bool
	dropped atomic.Int64
}

// StateManager is responsible for all state mutations and persistence.
// Ticks for one symbol are processed serially; different symbols run in parallel.
type StateManager struct {
	mu        sync.RWMutex
	instances map[string]*instance
	repo      persistence.StateRepository
	publisher notifier.Publisher
	policy    *rebalance.Policy
	opts      Options
	logger    *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(repo persistence.StateRepository, publisher notifier.Publisher, policy *rebalance.Policy, opts Options, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = rebalance.NewPolicy(rebalance.DefaultConfig())
	}
	return &StateManager{
		instances: make(map[string]*instance),
		repo:      repo,
		publisher: publisher,
		policy:    policy,
		opts:      opts,
		logger:    logger,
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AddSymbol registers a symbol, restoring its state from the repository when one exists.
// Adding a symbol twice is a no-op.
func (sm *StateManager) AddSymbol(symbol string) error {
	symbol = normalize(symbol)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.instances[symbol]; ok {
		return nil
	}

	var ledger *grid.Ledger
	if sm.repo != nil {
		state, err := sm.repo.LoadState(symbol)
		if err != nil {
			return fmt.Errorf("restore %s: %w", symbol, err)
		}
		if state != nil {
			ledger = grid.Restore(state, sm.opts.Match)
			sm.logger.Sugar().Infof("Restored %s: %d levels, %d open positions, %d trades, realized %s",
				symbol, len(state.Levels), len(state.Positions), len(state.Trades), state.RealizedPnL.StringFixed(4))
		}
	}
	if ledger == nil {
		ledger = grid.NewLedger(symbol, sm.opts.Match)
	}
	ledger.SetBreakoutBuffer(sm.opts.BreakoutBufferMultiplier)
	sm.instances[symbol] = &instance{ledger: ledger}
	return nil
}

// LoadAll registers every symbol that has persisted state.
func (sm *StateManager) LoadAll() error {
	if sm.repo == nil {
		return nil
	}
	symbols, err := sm.repo.ListSymbols()
	if err != nil {
		return err
	}
	for _, s := range symbols {
		if err := sm.AddSymbol(s); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateManager) get(symbol string) (*instance, error) {
	symbol = normalize(symbol)
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	inst, ok := sm.instances[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// Symbols returns the registered symbols in sorted order.
func (sm *StateManager) Symbols() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.instances))
	for s := range sm.instances {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SetVolatility stores the latest volatility measure (ATR) used by the next grid build.
func (sm *StateManager) SetVolatility(symbol string, v decimal.Decimal) error {
	inst, err := sm.get(symbol)
	if err != nil {
		return err
	}
	if !v.IsPositive() {
		return fmt.Errorf("%w: volatility must be positive, got %s", grid.ErrInvalidConfiguration, v)
	}
	inst.mu.Lock()
	inst.volatility = v
	inst.mu.Unlock()
	return nil
}

func (sm *StateManager) params(inst *instance, price decimal.Decimal) models.GridParams {
	vol := inst.volatility
	if !vol.IsPositive() {
		vol = price.Mul(fallbackVolatility)
	}
	return models.GridParams{
		CenterPrice:     price,
		Volatility:      vol,
		TotalInvestment: sm.opts.TotalInvestment,
		LevelCount:      sm.opts.LevelCount,
		ATRMultiplier:   sm.opts.ATRMultiplier,
	}
}

// OnPriceTick applies one tick to its symbol: fills, then the rebalance check, then a save.
// Events are handed to the publisher only after the save succeeds. Out-of-order ticks are
// counted and rejected with grid.ErrOutOfOrderTick.
func (sm *StateManager) OnPriceTick(tick models.Tick) ([]models.FillEvent, error) {
	inst, err := sm.get(tick.Symbol)
	if err != nil {
		return nil, err
	}
	symbol := normalize(tick.Symbol)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	fills, err := inst.ledger.OnPriceTick(symbol, tick.Price, tick.Timestamp)
	if err != nil {
		if errors.Is(err, grid.ErrOutOfOrderTick) {
			n := inst.dropped.Add(1)
			sm.logger.Sugar().Debugf("Dropped out-of-order tick for %s (total dropped: %d): %v", symbol, n, err)
		}
		return nil, err
	}

	var events []models.Event
	if !inst.ledger.Initialized() {
		events = append(events, sm.initialize(inst, tick))
	} else {
		realized := inst.ledger.StatsSnapshot().RealizedPnL
		unrealized := inst.ledger.UnrealizedPnL(tick.Price)
		for i := range fills {
			f := fills[i]
			events = append(events, models.Event{
				ID:            models.NewEventID(),
				Kind:          models.EventFill,
				Symbol:        symbol,
				Timestamp:     f.Timestamp,
				Fill:          &f,
				RealizedPnL:   realized,
				UnrealizedPnL: unrealized,
			})
		}
		events = append(events, sm.checkRebalance(inst, tick)...)
	}

	return fills, sm.commit(inst, symbol, events, tick.Timestamp)
}

// initialize builds the first grid around the tick price.
func (sm *StateManager) initialize(inst *instance, tick models.Tick) models.Event {
	symbol := inst.ledger.Symbol()
	state, err := inst.ledger.InitializeGrid(sm.params(inst, tick.Price), tick.Timestamp)
	if err != nil {
		sm.logger.Sugar().Errorf("Failed to initialize grid for %s at %s: %v", symbol, tick.Price, err)
		return sm.errorEvent(symbol, tick.Timestamp, fmt.Sprintf("grid initialization failed: %v", err))
	}
	msg := fmt.Sprintf("Grid initialized around %s: range %s - %s, step %s, %d levels",
		tick.Price, state.LowerPrice.StringFixed(4), state.UpperPrice.StringFixed(4), state.Step.StringFixed(4), len(state.Levels))
	sm.logger.Sugar().Info(symbol + ": " + msg)
	return models.Event{
		ID:        models.NewEventID(),
		Kind:      models.EventInfo,
		Symbol:    symbol,
		Timestamp: tick.Timestamp,
		Message:   msg,
	}
}

func (sm *StateManager) checkRebalance(inst *instance, tick models.Tick) []models.Event {
	l := inst.ledger
	state := l.State()
	unprofitable, open := l.UnprofitableCount(tick.Price, sm.opts.MinProfitPercent)
	in := rebalance.Input{
		Symbol:          state.Symbol,
		Now:             tick.Timestamp,
		LastRebalanceAt: state.LastRebalanceAt,
		OutOfRange:      !state.OutOfRangeSince.IsZero(),
		OpenPositions:   open,
		Unprofitable:    unprofitable,
	}
	if in.OutOfRange {
		in.OutOfRangeFor = state.OutOfRangeFor(tick.Timestamp)
	}
	decision := sm.policy.Evaluate(in)
	if decision.Reason != rebalance.ReasonWaiting {
		// The waiting episode is over; the next one is announced again.
		inst.waiting = false
	}

	switch {
	case decision.Trigger:
		return []models.Event{sm.rebalance(inst, tick, decision)}
	case decision.Reason == rebalance.ReasonWaiting && !inst.waiting:
		inst.waiting = true
		sm.logger.Sugar().Infof("%s: %s", state.Symbol, decision.Message)
		return []models.Event{{
			ID:            models.NewEventID(),
			Kind:          models.EventInfo,
			Symbol:        state.Symbol,
			Timestamp:     tick.Timestamp,
			Message:       decision.Message,
			RealizedPnL:   state.RealizedPnL,
			UnrealizedPnL: l.UnrealizedPnL(tick.Price),
		}}
	}
	return nil
}

// rebalance rebuilds the grid around the tick price. A failed rebuild leaves the previous grid
// live and the next eligible tick retries.
func (sm *StateManager) rebalance(inst *instance, tick models.Tick, d rebalance.Decision) models.Event {
	l := inst.ledger
	symbol := l.Symbol()
	oldRange := l.Range()

	state, err := l.InitializeGrid(sm.params(inst, tick.Price), tick.Timestamp)
	if err != nil {
		sm.logger.Sugar().Errorf("%s rebalance (%s) failed: %v", symbol, d.Reason, err)
		return sm.errorEvent(symbol, tick.Timestamp, fmt.Sprintf("rebalance %s failed: %v", d.Reason, err))
	}
	inst.waiting = false

	unrealized := l.UnrealizedPnL(tick.Price)
	ev := &models.RebalanceEvent{
		Symbol:        symbol,
		Reason:        string(d.Reason),
		Message:       d.Message,
		OldRange:      oldRange,
		NewRange:      models.PriceRange{Lower: state.LowerPrice, Upper: state.UpperPrice},
		OpenPositions: len(state.Positions),
		UnrealizedPnL: unrealized,
		AllProfitable: d.AllProfitable,
		Forced:        d.Forced,
		Timestamp:     tick.Timestamp,
	}
	sm.logger.Sugar().Infof("%s rebalanced: %s. Range %s-%s -> %s-%s, %d open positions",
		symbol, d.Message, oldRange.Lower.StringFixed(4), oldRange.Upper.StringFixed(4),
		ev.NewRange.Lower.StringFixed(4), ev.NewRange.Upper.StringFixed(4), ev.OpenPositions)
	return models.Event{
		ID:            models.NewEventID(),
		Kind:          models.EventRebalance,
		Symbol:        symbol,
		Timestamp:     tick.Timestamp,
		Rebalance:     ev,
		Message:       d.Message,
		RealizedPnL:   state.RealizedPnL,
		UnrealizedPnL: unrealized,
	}
}

func (sm *StateManager) errorEvent(symbol string, ts time.Time, msg string) models.Event {
	return models.Event{
		ID:        models.NewEventID(),
		Kind:      models.EventError,
		Symbol:    symbol,
		Timestamp: ts,
		Message:   msg,
	}
}

// commit persists the instance and releases its events. On failure the events stay pending
// and an error event is published straight away.
func (sm *StateManager) commit(inst *instance, symbol string, events []models.Event, ts time.Time) error {
	inst.pending = append(inst.pending, events...)
	if sm.repo != nil {
		if err := sm.repo.SaveState(symbol, inst.ledger.State()); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save state for %s, %d events held back: %v", symbol, len(inst.pending), err)
			sm.publish(sm.errorEvent(symbol, ts, fmt.Sprintf("state save failed: %v", err)))
			if !errors.Is(err, persistence.ErrPersistence) {
				err = fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
			}
			return err
		}
	}
	for _, ev := range inst.pending {
		sm.publish(ev)
	}
	inst.pending = nil
	return nil
}

func (sm *StateManager) publish(ev models.Event) {
	if sm.publisher == nil {
		return
	}
	sm.publisher.Publish(ev)
}

// StatsSnapshot returns the trade statistics of one symbol.
func (sm *StateManager) StatsSnapshot(symbol string) (models.Stats, error) {
	inst, err := sm.get(symbol)
	if err != nil {
		return models.Stats{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ledger.StatsSnapshot(), nil
}

// AllStats returns the statistics of every symbol, sorted by symbol.
func (sm *StateManager) AllStats() []models.Stats {
	var out []models.Stats
	for _, s := range sm.Symbols() {
		if st, err := sm.StatsSnapshot(s); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// GetStateSnapshot returns a deep copy of one symbol's state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot(symbol string) (*models.GridState, error) {
	inst, err := sm.get(symbol)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ledger.State(), nil
}

// UnrealizedPnL marks a symbol's open positions to its last accepted price.
func (sm *StateManager) UnrealizedPnL(symbol string) (decimal.Decimal, error) {
	inst, err := sm.get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ledger.UnrealizedPnL(inst.ledger.State().LastPrice), nil
}

// DroppedTicks returns how many out-of-order ticks were rejected for symbol.
func (sm *StateManager) DroppedTicks(symbol string) int64 {
	inst, err := sm.get(symbol)
	if err != nil {
		return 0
	}
	return inst.dropped.Load()
}

// PendingEvents returns how many events are held back by a failed save.
func (sm *StateManager) PendingEvents(symbol string) int {
	inst, err := sm.get(symbol)
	if err != nil {
		return 0
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.pending)
}
