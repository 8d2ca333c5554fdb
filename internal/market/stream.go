package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grid-rebalance-bot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// aggTradeMessage is one frame of a combined aggTrade stream.
type aggTradeMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// ParseAggTrade decodes a combined-stream aggTrade frame into a tick.
func ParseAggTrade(raw []byte) (models.Tick, error) {
	var msg aggTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Tick{}, fmt.Errorf("解析价格信息失败: %w", err)
	}
	if msg.Data.Symbol == "" || msg.Data.Price == "" {
		return models.Tick{}, fmt.Errorf("不是 aggTrade 消息: %s", string(raw))
	}
	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil {
		return models.Tick{}, fmt.Errorf("转换价格失败: %w", err)
	}
	return models.Tick{
		Symbol:    strings.ToUpper(msg.Data.Symbol),
		Price:     price,
		Timestamp: time.UnixMilli(msg.Data.TradeTime).UTC(),
	}, nil
}

// PriceStream 维持一个币安 aggTrade 组合流的 WebSocket 连接，断线自动重连。
// 每个交易对的价格按 minInterval 节流后写入输出通道。
type PriceStream struct {
	baseURL        string
	symbols        []string
	minInterval    time.Duration
	reconnectDelay time.Duration
	logger         *zap.Logger
	lastEmitted    map[string]time.Time
}

func NewPriceStream(baseURL string, symbols []string, minInterval time.Duration, logger *zap.Logger) *PriceStream {
	return &PriceStream{
		baseURL:        strings.TrimRight(baseURL, "/"),
		symbols:        symbols,
		minInterval:    minInterval,
		reconnectDelay: 5 * time.Second,
		logger:         logger,
		lastEmitted:    make(map[string]time.Time),
	}
}

// URL returns the combined stream endpoint for all symbols.
func (s *PriceStream) URL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
}

// Run 是一个守护循环，负责维持连接和重连，直到 ctx 被取消。
func (s *PriceStream) Run(ctx context.Context, out chan<- models.Tick) {
	for {
		if ctx.Err() != nil {
			s.logger.Sugar().Info("价格流已停止。")
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL(), nil)
		if err != nil {
			s.logger.Sugar().Warnf("WebSocket连接失败: %v。%s后重试...", err, s.reconnectDelay)
		} else {
			s.logger.Sugar().Infof("WebSocket连接成功: %d 个交易对", len(s.symbols))
			if err := s.handle(ctx, conn, out); err != nil && ctx.Err() == nil {
				s.logger.Sugar().Warnf("WebSocket处理时发生错误: %v", err)
			}
			conn.Close()
		}
		select {
		case <-ctx.Done():
			s.logger.Sugar().Info("价格流已停止。")
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// handle 为一个已建立的连接处理消息，并实现心跳机制
func (s *PriceStream) handle(ctx context.Context, conn *websocket.Conn, out chan<- models.Tick) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Sugar().Debugf("发送Ping失败: %v", err)
					return
				}
			case <-ctx.Done():
				// 优雅关闭，并让阻塞中的 ReadMessage 返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		tick, err := ParseAggTrade(raw)
		if err != nil {
			s.logger.Sugar().Debug(err)
			continue
		}
		if !s.admit(tick) {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admit throttles per symbol and keeps emitted timestamps strictly increasing.
func (s *PriceStream) admit(t models.Tick) bool {
	last, ok := s.lastEmitted[t.Symbol]
	if ok && (!t.Timestamp.After(last) || t.Timestamp.Sub(last) < s.minInterval) {
		return false
	}
	s.lastEmitted[t.Symbol] = t.Timestamp
	return true
}
