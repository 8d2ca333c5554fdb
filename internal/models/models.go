package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbols         []string        `mapstructure:"symbols"`           // 交易对列表，如 ["BTCUSDT", "ETHUSDT"]
	Grid            GridConfig      `mapstructure:"grid"`              // 网格参数
	Rebalance       RebalanceConfig `mapstructure:"rebalance"`         // 再平衡策略参数
	Binance         BinanceConfig   `mapstructure:"binance"`           // 交易所连接
	Telegram        TelegramConfig  `mapstructure:"telegram"`          // Telegram 通知
	Storage         StorageConfig   `mapstructure:"storage"`           // 状态与历史存储
	HTTP            HTTPConfig      `mapstructure:"http"`              // 只读统计接口
	LogConfig       LogConfig       `mapstructure:"log"`               // 日志配置
	NotifyQueueSize int             `mapstructure:"notify_queue_size"` // 通知队列容量
	StatusReportHrs float64         `mapstructure:"status_report_hours"`
}

// GridConfig 定义了网格的生成参数
type GridConfig struct {
	LevelCount      int     `mapstructure:"level_count"`      // 中心价两侧各自的档位数量
	ATRMultiplier   float64 `mapstructure:"atr_multiplier"`   // 网格半宽 = ATR * 倍数
	TotalInvestment float64 `mapstructure:"total_investment"` // 每个交易对的投资额 (USDT)
	ATRPeriod       int     `mapstructure:"atr_period"`       // ATR 周期
	ATRInterval     string  `mapstructure:"atr_interval"`     // ATR 使用的K线周期, e.g. "1h"
	ATRRefreshMin   int     `mapstructure:"atr_refresh_minutes"`
	MatchPolicy     string  `mapstructure:"match_policy"` // 卖出档位与持仓的匹配方式: fifo / nearest
}

// RebalanceConfig 定义了网格再平衡的阈值
type RebalanceConfig struct {
	IntervalHours            map[string]float64 `mapstructure:"interval_hours"` // 按交易对配置的再平衡间隔
	DefaultIntervalHours     float64            `mapstructure:"default_interval_hours"`
	WaitForProfit            bool               `mapstructure:"wait_for_profit"`
	CooldownMinutes          float64            `mapstructure:"cooldown_minutes"`
	ForceAfterHours          float64            `mapstructure:"force_rebalance_after_hours"`
	EmergencyOnBreakout      bool               `mapstructure:"emergency_on_breakout"`
	BreakoutBufferMultiplier float64            `mapstructure:"breakout_buffer_multiplier"` // 突破缓冲 = 网格间距 * 倍数
	MinProfitPercent         float64            `mapstructure:"min_profit_percent"`
}

// IntervalFor returns the configured rebalance interval for symbol. Viper lowercases map keys,
// so the lookup ignores case.
func (c RebalanceConfig) IntervalFor(symbol string) time.Duration {
	hours := c.DefaultIntervalHours
	for k, v := range c.IntervalHours {
		if strings.EqualFold(k, symbol) {
			hours = v
			break
		}
	}
	return time.Duration(hours * float64(time.Hour))
}

// BinanceConfig 定义了交易所连接参数
type BinanceConfig struct {
	IsTestnet      bool    `mapstructure:"is_testnet"`
	LiveWSURL      string  `mapstructure:"live_ws_url"`
	TestnetWSURL   string  `mapstructure:"testnet_ws_url"`
	DryRun         bool    `mapstructure:"dry_run"` // true 时只做纸面成交
	OrderRateLimit float64 `mapstructure:"order_rate_limit"`
	OrderBurst     int     `mapstructure:"order_burst"`
	TickIntervalMs int     `mapstructure:"tick_interval_ms"` // 价格流的最小推送间隔
	APIKey         string  `mapstructure:"api_key"`
	SecretKey      string  `mapstructure:"secret_key"`
}

// WSBaseURL 根据是否使用测试网返回 WebSocket 基础地址
func (c BinanceConfig) WSBaseURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}

// TelegramConfig 定义了 Telegram 通知参数
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// StorageConfig 定义了持久化路径
type StorageConfig struct {
	StatePath  string `mapstructure:"state_path"`  // BadgerDB 目录
	HistoryDSN string `mapstructure:"history_dsn"` // SQLite 历史数据库
}

// HTTPConfig 定义了统计接口的监听地址
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `mapstructure:"output"`      // 输出模式: "console", "file", "both"
	Format     string `mapstructure:"format"`      // 编码格式: "console" 或 "json"
	File       string `mapstructure:"file"`        // 日志文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `mapstructure:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Tick 是一次价格观测
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Kline 是一根K线，价格使用 decimal 表示
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Order 是交易所返回的订单摘要
type Order struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          Side            `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Status        string          `json:"status"`
	Time          time.Time       `json:"time"`
}

// Error 定义了币安API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BinanceError 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
