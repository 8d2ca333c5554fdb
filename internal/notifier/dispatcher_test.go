package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-rebalance-bot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) snapshot() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func TestPublish_NeverBlocksWhenFull(t *testing.T) {
	d := NewDispatcher(2, zap.NewNop())
	assert.True(t, d.Publish(models.Event{Kind: models.EventInfo}))
	assert.True(t, d.Publish(models.Event{Kind: models.EventInfo}))

	done := make(chan bool)
	go func() {
		done <- d.Publish(models.Event{Kind: models.EventInfo})
	}()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, int64(1), d.Dropped())
	assert.Equal(t, 2, d.Pending())
}

func TestPublish_AssignsID(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, zap.NewNop(), sink)
	d.Publish(models.Event{Kind: models.EventInfo, Message: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
}

func TestRun_DeliversInOrderToEverySink(t *testing.T) {
	first, second := &recordingSink{}, &recordingSink{err: errors.New("boom")}
	d := NewDispatcher(16, zap.NewNop(), first)
	d.AddSink(second)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(finished)
	}()

	for i := 0; i < 5; i++ {
		d.Publish(models.Event{Kind: models.EventInfo, Message: string(rune('a' + i))})
	}
	require.Eventually(t, func() bool { return len(first.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-finished

	var got []string
	for _, ev := range first.snapshot() {
		got = append(got, ev.Message)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
	// A failing sink does not stop delivery to the others.
	assert.Len(t, second.snapshot(), 5)
}

type fakeSender struct {
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) Handle(ctx context.Context, ev models.Event) error {
	time.Sleep(s.delay)
	return s.recordingSink.Handle(ctx, ev)
}

func TestFanout_SlowNotifierDoesNotStarveBlockingSink(t *testing.T) {
	slow := &slowSink{delay: 20 * time.Millisecond}
	orders := &recordingSink{}
	notify := NewDispatcher(4, zap.NewNop(), slow)
	durable := NewBlockingDispatcher(4, zap.NewNop(), orders)
	out := Fanout{notify, durable}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{notify, durable} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			d.Run(ctx)
		}(d)
	}

	for i := 0; i < 20; i++ {
		out.Publish(models.Event{Kind: models.EventFill, Symbol: "BTCUSDT"})
	}
	require.Eventually(t, func() bool { return len(orders.snapshot()) == 20 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	assert.Positive(t, notify.Dropped())
	assert.Zero(t, durable.Dropped())

	// Both outboxes saw the same ID for a given event.
	got := orders.snapshot()
	ids := make(map[string]bool, len(got))
	for _, ev := range got {
		ids[ev.ID] = true
	}
	for _, ev := range slow.snapshot() {
		assert.True(t, ids[ev.ID], ev.ID)
	}
}

func TestBlockingDispatcher_WaitsForRoom(t *testing.T) {
	d := NewBlockingDispatcher(1, zap.NewNop())
	require.True(t, d.Publish(models.Event{Kind: models.EventFill}))

	done := make(chan struct{})
	go func() {
		d.Publish(models.Event{Kind: models.EventFill})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Publish returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	<-d.queue
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not resume after room was made")
	}
	assert.Zero(t, d.Dropped())
}

func TestInline_DeliversSynchronously(t *testing.T) {
	sink := &recordingSink{err: errors.New("ignored")}
	in := NewInline(zap.NewNop(), sink)

	assert.True(t, in.Publish(models.Event{Kind: models.EventInfo, Symbol: "BTCUSDT"}))
	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
}

func TestTelegramSink_SendsHTMLMessage(t *testing.T) {
	fs := &fakeSender{}
	sink := &TelegramSink{bot: fs, chatID: 42}

	ev := models.Event{
		Kind:      models.EventRebalance,
		Symbol:    "BTCUSDT",
		Timestamp: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		Rebalance: &models.RebalanceEvent{
			Symbol:        "BTCUSDT",
			Message:       "SCHEDULED: 12.5h passed, all positions profitable",
			OldRange:      models.PriceRange{Lower: decimal.NewFromInt(90), Upper: decimal.NewFromInt(110)},
			NewRange:      models.PriceRange{Lower: decimal.NewFromInt(95), Upper: decimal.NewFromInt(115)},
			OpenPositions: 2,
			UnrealizedPnL: decimal.RequireFromString("3.456"),
		},
	}
	require.NoError(t, sink.Handle(context.Background(), ev))
	require.Len(t, fs.sent, 1)

	msg, ok := fs.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "Grid Rebalanced")
	assert.Contains(t, msg.Text, "$90.00 - $110.00")
	assert.Contains(t, msg.Text, "$95.00 - $115.00")
	assert.Contains(t, msg.Text, "+$3.46")
	assert.Contains(t, msg.Text, "2025-03-01 08:00:00 UTC")
}

func TestTelegramSink_KindFilter(t *testing.T) {
	fs := &fakeSender{}
	sink := &TelegramSink{bot: fs, chatID: 1, Kinds: map[models.EventKind]bool{models.EventRebalance: true}}
	require.NoError(t, sink.Handle(context.Background(), models.Event{Kind: models.EventFill}))
	assert.Empty(t, fs.sent)
}

func TestFormatEvent_SellFill(t *testing.T) {
	ev := models.Event{
		Kind:   models.EventFill,
		Symbol: "ETHUSDT",
		Fill: &models.FillEvent{
			Symbol:   "ETHUSDT",
			Side:     models.Sell,
			Price:    decimal.NewFromInt(101),
			Quantity: decimal.NewFromInt(2),
			Trade:    &models.TradeRecord{EntryPrice: decimal.NewFromInt(100), PnL: decimal.NewFromInt(2)},
		},
		RealizedPnL:   decimal.NewFromInt(5),
		UnrealizedPnL: decimal.NewFromInt(-1),
	}
	text := FormatEvent(ev)
	assert.True(t, strings.HasPrefix(text, "🔴 <b>Grid SELL</b> ETHUSDT"))
	assert.Contains(t, text, "<b>Value:</b> $202.00")
	assert.Contains(t, text, "<b>Trade PnL:</b> +$2.00")
	assert.Contains(t, text, "<b>Unrealized:</b> -$1.00")
}

func TestFormatEvent_EscapesMessages(t *testing.T) {
	text := FormatEvent(models.Event{Kind: models.EventError, Symbol: "BTCUSDT", Message: "save <failed> & retried"})
	assert.Contains(t, text, "save &lt;failed&gt; &amp; retried")
}
