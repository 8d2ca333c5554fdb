package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"grid-rebalance-bot/internal/grid"
	"grid-rebalance-bot/internal/models"
	"grid-rebalance-bot/internal/rebalance"

	"github.com/spf13/viper"
)

// LoadConfig 从指定路径加载配置文件 (json/yaml/toml 均可)，环境变量 GRIDBOT_* 可覆盖任意键。
// 路径为空时只使用默认值和环境变量。
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GRIDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	// 密钥只从环境变量读取
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Binance.APIKey = key
	}
	if secret := os.Getenv("BINANCE_SECRET_KEY"); secret != "" {
		cfg.Binance.SecretKey = secret
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbols", []string{})
	v.SetDefault("notify_queue_size", 256)
	v.SetDefault("status_report_hours", 6)

	v.SetDefault("grid.level_count", 10)
	v.SetDefault("grid.atr_multiplier", 2.0)
	v.SetDefault("grid.total_investment", 1000)
	v.SetDefault("grid.atr_period", 14)
	v.SetDefault("grid.atr_interval", "1h")
	v.SetDefault("grid.atr_refresh_minutes", 60)
	v.SetDefault("grid.match_policy", "fifo")

	v.SetDefault("rebalance.default_interval_hours", 12)
	v.SetDefault("rebalance.wait_for_profit", true)
	v.SetDefault("rebalance.cooldown_minutes", 30)
	v.SetDefault("rebalance.force_rebalance_after_hours", 24)
	v.SetDefault("rebalance.emergency_on_breakout", true)
	v.SetDefault("rebalance.breakout_buffer_multiplier", 0.0)
	v.SetDefault("rebalance.min_profit_percent", 0.0)

	v.SetDefault("binance.is_testnet", false)
	v.SetDefault("binance.live_ws_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.testnet_ws_url", "wss://testnet.binance.vision")
	v.SetDefault("binance.dry_run", true)
	v.SetDefault("binance.order_rate_limit", 10)
	v.SetDefault("binance.order_burst", 5)
	v.SetDefault("binance.tick_interval_ms", 1000)

	v.SetDefault("telegram.enabled", false)

	v.SetDefault("storage.state_path", "data/state")
	v.SetDefault("storage.history_dsn", "data/history.db")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "logs/bot.log")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

// Validate 检查配置中会导致运行期错误的取值
func Validate(cfg *models.Config) error {
	var errs []error
	if len(cfg.Symbols) == 0 {
		errs = append(errs, errors.New("symbols: at least one symbol is required"))
	}
	if cfg.Grid.LevelCount < 1 {
		errs = append(errs, errors.New("grid.level_count must be >= 1"))
	}
	if cfg.Grid.ATRMultiplier <= 0 {
		errs = append(errs, errors.New("grid.atr_multiplier must be > 0"))
	}
	if cfg.Grid.TotalInvestment <= 0 {
		errs = append(errs, errors.New("grid.total_investment must be > 0"))
	}
	if cfg.Grid.ATRPeriod < 1 {
		errs = append(errs, errors.New("grid.atr_period must be >= 1"))
	}
	if _, err := grid.ParseMatchPolicy(cfg.Grid.MatchPolicy); err != nil {
		errs = append(errs, fmt.Errorf("grid.match_policy: %w", err))
	}
	if cfg.Rebalance.DefaultIntervalHours <= 0 {
		errs = append(errs, errors.New("rebalance.default_interval_hours must be > 0"))
	}
	for sym, h := range cfg.Rebalance.IntervalHours {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("rebalance.interval_hours.%s must be > 0", sym))
		}
	}
	if cfg.Rebalance.CooldownMinutes < 0 {
		errs = append(errs, errors.New("rebalance.cooldown_minutes must be >= 0"))
	}
	if cfg.Rebalance.BreakoutBufferMultiplier < 0 {
		errs = append(errs, errors.New("rebalance.breakout_buffer_multiplier must be >= 0"))
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram: token and chat_id are required when enabled"))
	}
	return errors.Join(errs...)
}

// PolicyConfig 将配置转换为再平衡策略参数
func PolicyConfig(c models.RebalanceConfig) rebalance.Config {
	intervals := make(map[string]time.Duration, len(c.IntervalHours))
	for sym, h := range c.IntervalHours {
		intervals[strings.ToUpper(sym)] = hours(h)
	}
	return rebalance.Config{
		Intervals:           intervals,
		DefaultInterval:     hours(c.DefaultIntervalHours),
		WaitForProfit:       c.WaitForProfit,
		Cooldown:            time.Duration(c.CooldownMinutes * float64(time.Minute)),
		ForceAfter:          hours(c.ForceAfterHours),
		EmergencyOnBreakout: c.EmergencyOnBreakout,
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
