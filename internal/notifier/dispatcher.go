package notifier

import (
	"context"
	"sync/atomic"

	"grid-rebalance-bot/internal/models"

	"go.uber.org/zap"
)

const defaultQueueSize = 1024

// Sink consumes events drained from the outbox. Handle is called from the dispatcher
// goroutine only, so sinks need no locking of their own against each other.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev models.Event) error
}

// Publisher is the write side of the outbox.
type Publisher interface {
	Publish(ev models.Event) bool
}

// Dispatcher is a bounded outbox drained by a single goroutine. By default Publish never
// blocks and a full queue drops the event; a blocking dispatcher waits for room instead.
type Dispatcher struct {
	queue    chan models.Event
	sinks    []Sink
	blocking bool
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewDispatcher creates an outbox with room for size events.
func NewDispatcher(size int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  make(chan models.Event, size),
		sinks:  sinks,
		logger: logger,
	}
}

// NewBlockingDispatcher creates an outbox whose Publish waits for queue space. It is meant for
// sinks that must see every event (order execution, history), each on its own queue so a slow
// notification sink cannot hold them up. Run must be active while events are published.
func NewBlockingDispatcher(size int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	d := NewDispatcher(size, logger, sinks...)
	d.blocking = true
	return d
}

// AddSink registers a sink. It must be called before Run.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Publish enqueues ev and reports whether it was accepted.
func (d *Dispatcher) Publish(ev models.Event) bool {
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	if d.blocking {
		d.queue <- ev
		return true
	}
	select {
	case d.queue <- ev:
		return true
	default:
		n := d.dropped.Add(1)
		d.logger.Sugar().Warnf("Notification queue full, dropped %s event for %s (total dropped: %d)", ev.Kind, ev.Symbol, n)
		return false
	}
}

// Dropped returns how many events were rejected because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Sugar().Infof("Notification dispatcher started with %d sinks.", len(d.sinks))
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			d.logger.Sugar().Info("Notification dispatcher stopped.")
			return
		}
	}
}

func (d *Dispatcher) flush() {
	// Sinks still get a live context for the final drain.
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.Event) {
	for _, s := range d.sinks {
		if err := s.Handle(ctx, ev); err != nil {
			d.logger.Sugar().Errorf("Sink %s failed on %s event %s: %v", s.Name(), ev.Kind, ev.ID, err)
		}
	}
}

// Fanout publishes each event to several outboxes under one event ID.
type Fanout []Publisher

// Publish reports whether every outbox accepted the event.
func (f Fanout) Publish(ev models.Event) bool {
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	ok := true
	for _, p := range f {
		if !p.Publish(ev) {
			ok = false
		}
	}
	return ok
}

// Inline delivers every event synchronously on the publishing goroutine, so sinks observe
// a fill before the next tick is applied. Backtests use it in place of the queue.
type Inline struct {
	d *Dispatcher
}

func NewInline(logger *zap.Logger, sinks ...Sink) *Inline {
	return &Inline{d: NewDispatcher(1, logger, sinks...)}
}

func (i *Inline) Publish(ev models.Event) bool {
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	i.d.deliver(context.Background(), ev)
	return true
}
