package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatsProvider is the read side of the state manager.
type StatsProvider interface {
	Symbols() []string
	StatsSnapshot(symbol string) (models.Stats, error)
	UnrealizedPnL(symbol string) (decimal.Decimal, error)
	DroppedTicks(symbol string) int64
}

// HistoryProvider serves the append-only trade and rebalance history.
type HistoryProvider interface {
	Trades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error)
	Rebalances(ctx context.Context, symbol string) ([]models.RebalanceEvent, error)
}

// SymbolStats is the JSON body of /stats/:symbol.
type SymbolStats struct {
	models.Stats
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	DroppedTicks  int64           `json:"dropped_ticks"`
}

// Server exposes read-only snapshots over HTTP.
type Server struct {
	stats   StatsProvider
	history HistoryProvider
	started time.Time
	logger  *zap.Logger
	srv     *http.Server
}

// NewServer creates a server. history may be nil, in which case the history routes return 404.
func NewServer(addr string, stats StatsProvider, history HistoryProvider, logger *zap.Logger) *Server {
	s := &Server{stats: stats, history: history, started: time.Now(), logger: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStatsAll)
	r.GET("/stats/:symbol", s.handleStatsSymbol)
	if s.history != nil {
		r.GET("/trades/:symbol", s.handleTrades)
		r.GET("/rebalances/:symbol", s.handleRebalances)
	}
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Sugar().Infof("Stats API listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"symbols": s.stats.Symbols(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) symbolStats(symbol string) (SymbolStats, error) {
	st, err := s.stats.StatsSnapshot(symbol)
	if err != nil {
		return SymbolStats{}, err
	}
	u, err := s.stats.UnrealizedPnL(symbol)
	if err != nil {
		return SymbolStats{}, err
	}
	return SymbolStats{Stats: st, UnrealizedPnL: u, DroppedTicks: s.stats.DroppedTicks(symbol)}, nil
}

func (s *Server) handleStatsAll(c *gin.Context) {
	out := make([]SymbolStats, 0)
	for _, sym := range s.stats.Symbols() {
		st, err := s.symbolStats(sym)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatsSymbol(c *gin.Context) {
	st, err := s.symbolStats(strings.ToUpper(c.Param("symbol")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	trades, err := s.history.Trades(c.Request.Context(), strings.ToUpper(c.Param("symbol")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleRebalances(c *gin.Context) {
	events, err := s.history.Rebalances(c.Request.Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
