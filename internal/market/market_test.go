package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func kline(h, l, c string) models.Kline {
	return models.Kline{
		High:  decimal.RequireFromString(h),
		Low:   decimal.RequireFromString(l),
		Close: decimal.RequireFromString(c),
	}
}

func TestATR_ConstantRange(t *testing.T) {
	var ks []models.Kline
	for i := 0; i < 30; i++ {
		ks = append(ks, kline("101", "99", "100"))
	}
	atr, err := ATR(ks, 14)
	require.NoError(t, err)
	assert.True(t, atr.Equal(decimal.NewFromInt(2)), atr.String())
}

func TestATR_UsesGapFromPreviousClose(t *testing.T) {
	ks := []models.Kline{kline("10", "8", "9"), kline("12", "11", "11.5")}
	// With period 1 the average is the latest true range: |12 - 9| = 3.
	atr, err := ATR(ks, 1)
	require.NoError(t, err)
	assert.True(t, atr.Equal(decimal.NewFromInt(3)), atr.String())
}

func TestATR_InvalidInput(t *testing.T) {
	_, err := ATR(nil, 14)
	assert.Error(t, err)
	_, err = ATR([]models.Kline{kline("1", "1", "1")}, 0)
	assert.Error(t, err)
}

type fakeSource struct {
	klines map[string][]models.Kline
}

func (f *fakeSource) GetKlines(_ context.Context, symbol, _ string, _ int) ([]models.Kline, error) {
	ks, ok := f.klines[symbol]
	if !ok {
		return nil, errors.New("no data")
	}
	return ks, nil
}

type fakeSink struct {
	mu   sync.Mutex
	vols map[string]decimal.Decimal
}

func (f *fakeSink) SetVolatility(symbol string, v decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vols[symbol] = v
	return nil
}

func TestATRRefresher_RefreshOnce(t *testing.T) {
	src := &fakeSource{klines: map[string][]models.Kline{
		"BTCUSDT": {kline("101", "99", "100"), kline("101", "99", "100")},
	}}
	sink := &fakeSink{vols: map[string]decimal.Decimal{}}
	r := NewATRRefresher(src, sink, []string{"BTCUSDT", "ETHUSDT"}, "1h", 14, zap.NewNop())

	err := r.RefreshOnce(context.Background())
	assert.Error(t, err, "ETHUSDT has no data")
	require.Contains(t, sink.vols, "BTCUSDT")
	assert.True(t, sink.vols["BTCUSDT"].Equal(decimal.NewFromInt(2)))
}

func TestParseAggTrade(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":1,"p":"43250.12","q":"0.01","T":1700000000000,"m":false}}`)
	tick, err := ParseAggTrade(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, "43250.12", tick.Price.String())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tick.Timestamp)

	_, err = ParseAggTrade([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
}

func TestPriceStream_URL(t *testing.T) {
	s := NewPriceStream("wss://stream.binance.com:9443/", []string{"BTCUSDT", "ETHUSDT"}, time.Second, zap.NewNop())
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@aggTrade/ethusdt@aggTrade", s.URL())
}

func frame(symbol, price string, ms int64) string {
	return fmt.Sprintf(`{"stream":"%s@aggTrade","data":{"s":"%s","p":"%s","T":%d}}`, strings.ToLower(symbol), symbol, price, ms)
}

func TestPriceStream_ThrottlesAndOrders(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			frame("BTCUSDT", "100", 1000),
			frame("BTCUSDT", "100.5", 1500), // inside the throttle window
			frame("ETHUSDT", "2000", 1200),
			`not json`,
			frame("BTCUSDT", "99", 900), // older than the last emitted tick
			frame("BTCUSDT", "101", 2000),
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewPriceStream(wsURL, []string{"BTCUSDT", "ETHUSDT"}, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.Tick, 16)
	done := make(chan struct{})
	go func() {
		stream.Run(ctx, out)
		close(done)
	}()

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case tk := <-out:
			got = append(got, tk.Symbol+"@"+tk.Price.String())
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.Equal(t, []string{"BTCUSDT@100", "ETHUSDT@2000", "BTCUSDT@101"}, got)
}
