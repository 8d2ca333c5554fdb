package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"grid-rebalance-bot/internal/bot"
	"grid-rebalance-bot/internal/config"
	"grid-rebalance-bot/internal/downloader"
	"grid-rebalance-bot/internal/exchange"
	"grid-rebalance-bot/internal/logger"
	"grid-rebalance-bot/internal/market"
	"grid-rebalance-bot/internal/models"
	"grid-rebalance-bot/internal/notifier"
	"grid-rebalance-bot/internal/persistence"
	"grid-rebalance-bot/internal/reporter"
	"grid-rebalance-bot/internal/storage"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-1h-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.ToUpper(strings.Split(name, "-")[0])
}

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, paper, backtest or download")
	dataPath := flag.String("data", "", "path to historical kline CSV for backtesting")
	symbol := flag.String("symbol", "", "symbol to download or backtest (e.g., BNBUSDT)")
	interval := flag.String("interval", "1m", "kline interval for download")
	startDate := flag.String("start", "", "start date for download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for download (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志，以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live", "paper":
		if err := runLive(ctx, cfg, *mode == "paper"); err != nil {
			logger.S().Fatalf("机器人异常退出: %v", err)
		}
	case "download":
		path, err := download(ctx, *symbol, *interval, *startDate, *endDate)
		if err != nil {
			logger.S().Fatal(err)
		}
		logger.S().Infof("K线数据已保存到 %s", path)
	case "backtest":
		path := *dataPath
		if path == "" {
			if path, err = download(ctx, *symbol, *interval, *startDate, *endDate); err != nil {
				logger.S().Fatal(err)
			}
		}
		if err := runBacktest(ctx, cfg, path, *symbol); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 live、paper、backtest 或 download。", *mode)
	}
}

// runLive 连接实时价格流运行机器人。paper 模式或 dry_run 下订单只在纸面交易所成交。
func runLive(ctx context.Context, cfg *models.Config, paper bool) error {
	log := logger.L()
	binance := exchange.NewBinanceExchange(cfg.Binance, log)
	if err := binance.SyncTime(ctx); err != nil {
		logger.S().Warnf("与币安服务器时间同步失败: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.Storage.StatePath)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}

	comps := bot.Components{
		Repo:   repo,
		Stream: market.NewPriceStream(cfg.Binance.WSBaseURL(), cfg.Symbols, time.Duration(cfg.Binance.TickIntervalMs)*time.Millisecond, log),
		Klines: binance,
	}
	if cfg.HTTP.Enabled {
		comps.HTTPAddr = cfg.HTTP.Addr
	}

	if cfg.Storage.HistoryDSN != "" {
		history, err := storage.NewHistoryStore(cfg.Storage.HistoryDSN)
		if err != nil {
			_ = repo.Close()
			return fmt.Errorf("打开历史数据库失败: %w", err)
		}
		comps.History = history
		comps.Recorder = history
		comps.Durable = append(comps.Durable, history)
		comps.Closers = append(comps.Closers, history.Close)
	}

	if cfg.Telegram.Enabled {
		tg, err := notifier.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.S().Warnf("Telegram 通知初始化失败，将只记录日志: %v", err)
		} else {
			comps.Sinks = append(comps.Sinks, tg)
		}
	}

	var target exchange.Exchange = binance
	if paper || cfg.Binance.DryRun {
		logger.S().Info("--- 纸面交易模式：订单不会发送到交易所 ---")
		target = exchange.NewPaperExchange(decimal.NewFromFloat(cfg.Grid.TotalInvestment).Mul(decimal.NewFromInt(int64(len(cfg.Symbols)))))
	} else {
		if cfg.Binance.APIKey == "" || cfg.Binance.SecretKey == "" {
			_ = repo.Close()
			return fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		logger.S().Info("--- 实盘交易模式 ---")
	}
	comps.Durable = append(comps.Durable, exchange.NewExecutor(target, log))

	gridBot, err := bot.NewGridBot(cfg, comps, log)
	if err != nil {
		_ = repo.Close()
		return err
	}
	return gridBot.Run(ctx)
}

// download 下载K线数据并返回文件路径
func download(ctx context.Context, symbol, interval, startDate, endDate string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		return "", fmt.Errorf("需要通过 --data 或 --symbol/--start/--end 参数指定数据源")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if err := os.MkdirAll("data", 0o755); err != nil {
		return "", fmt.Errorf("创建 data 目录失败: %w", err)
	}

	symbol = strings.ToUpper(symbol)
	fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, startDate, endDate))
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的 %s K线数据...", symbol, startDate, endDate, interval)
	if err := downloader.NewKlineDownloader(logger.L()).DownloadKlines(ctx, symbol, interval, fileName, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return fileName, nil
}

// runBacktest 回放K线文件并打印报告
func runBacktest(ctx context.Context, cfg *models.Config, dataPath, symbol string) error {
	if symbol == "" {
		symbol = extractSymbolFromPath(dataPath)
	}
	if symbol == "" {
		return fmt.Errorf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}
	klines, err := downloader.LoadKlinesCSV(dataPath)
	if err != nil {
		return fmt.Errorf("无法读取历史数据文件: %w", err)
	}

	logger.S().Infof("--- 启动回测模式: %s, %d 根K线 ---", symbol, len(klines))
	res, err := bot.RunBacktest(ctx, cfg, strings.ToUpper(symbol), klines, logger.L())
	if err != nil {
		return err
	}
	fmt.Println(reporter.RenderBacktest([]reporter.Metrics{res.Metrics}, dataPath))
	return nil
}
