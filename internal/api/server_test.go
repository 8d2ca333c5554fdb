package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"grid-rebalance-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Symbols() []string {
	return m.Called().Get(0).([]string)
}

func (m *mockStats) StatsSnapshot(symbol string) (models.Stats, error) {
	args := m.Called(symbol)
	return args.Get(0).(models.Stats), args.Error(1)
}

func (m *mockStats) UnrealizedPnL(symbol string) (decimal.Decimal, error) {
	args := m.Called(symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockStats) DroppedTicks(symbol string) int64 {
	return m.Called(symbol).Get(0).(int64)
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) Trades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error) {
	args := m.Called(symbol, limit)
	return args.Get(0).([]models.TradeRecord), args.Error(1)
}

func (m *mockHistory) Rebalances(ctx context.Context, symbol string) ([]models.RebalanceEvent, error) {
	args := m.Called(symbol)
	return args.Get(0).([]models.RebalanceEvent), args.Error(1)
}

func newStatsMock() *mockStats {
	m := &mockStats{}
	m.On("Symbols").Return([]string{"BTCUSDT"})
	m.On("StatsSnapshot", "BTCUSDT").Return(models.Stats{Symbol: "BTCUSDT", CompletedPairs: 8, WinRate: 37.5}, nil)
	m.On("StatsSnapshot", "ETHUSDT").Return(models.Stats{}, errors.New("unknown symbol: ETHUSDT"))
	m.On("UnrealizedPnL", "BTCUSDT").Return(decimal.RequireFromString("-1.25"), nil)
	m.On("DroppedTicks", "BTCUSDT").Return(int64(3))
	return m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", newStatsMock(), nil, zap.NewNop())
	rec := get(t, s.Router(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatsSymbol(t *testing.T) {
	s := NewServer(":0", newStatsMock(), nil, zap.NewNop())
	rec := get(t, s.Router(), "/stats/btcusdt")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, 8.0, body["completed_pairs"])
	assert.Equal(t, 37.5, body["win_rate"])
	assert.Equal(t, "-1.25", body["unrealized_pnl"])
	assert.Equal(t, 3.0, body["dropped_ticks"])

	rec = get(t, s.Router(), "/stats/ethusdt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAll(t *testing.T) {
	s := NewServer(":0", newStatsMock(), nil, zap.NewNop())
	rec := get(t, s.Router(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "BTCUSDT", body[0]["symbol"])
}

func TestHistoryRoutes(t *testing.T) {
	h := &mockHistory{}
	h.On("Trades", "BTCUSDT", 5).Return([]models.TradeRecord{{Seq: 1, Symbol: "BTCUSDT"}}, nil)
	h.On("Rebalances", "BTCUSDT").Return([]models.RebalanceEvent{{Symbol: "BTCUSDT", Reason: "FORCED"}}, nil)
	s := NewServer(":0", newStatsMock(), h, zap.NewNop())

	rec := get(t, s.Router(), "/trades/BTCUSDT?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"seq":1`)

	rec = get(t, s.Router(), "/trades/BTCUSDT?limit=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s.Router(), "/rebalances/BTCUSDT")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"FORCED"`)
	h.AssertExpectations(t)
}

func TestHistoryRoutesDisabledWithoutStore(t *testing.T) {
	s := NewServer(":0", newStatsMock(), nil, zap.NewNop())
	rec := get(t, s.Router(), "/trades/BTCUSDT")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
