package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"grid-rebalance-bot/internal/exchange"
	"grid-rebalance-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对、周期和时间范围内的K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		d.logger.Sugar().Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Sugar().Infof("开始下载 %s %s 从 %s 到 %s 的K线数据...", symbol, interval, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Sugar().Debugf("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond): // 避免过于频繁的请求
		}
	}

	d.logger.Sugar().Infof("成功下载K线数据到 %s", filePath)
	return nil
}

// LoadKlinesCSV 读取 DownloadKlines 写出的CSV文件
func LoadKlinesCSV(filePath string) ([]models.Kline, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开文件 %s: %w", filePath, err)
	}
	defer file.Close()
	return ReadKlines(file)
}

// ReadKlines 解析K线CSV。首行为表头。
func ReadKlines(r io.Reader) ([]models.Kline, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}

	var out []models.Kline
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV第 %d 行失败: %w", line, err)
		}
		if len(rec) < 7 {
			return nil, fmt.Errorf("CSV第 %d 行字段不足: %d", line, len(rec))
		}
		openTime, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CSV第 %d 行 open_time 无效: %w", line, err)
		}
		closeTime, err := strconv.ParseInt(rec[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CSV第 %d 行 close_time 无效: %w", line, err)
		}
		k, err := exchange.ParseKline(openTime, rec[1], rec[2], rec[3], rec[4], rec[5], closeTime)
		if err != nil {
			return nil, fmt.Errorf("CSV第 %d 行: %w", line, err)
		}
		out = append(out, k)
	}
	return out, nil
}
