package logger

import (
	"io"
	"os"
	"strings"

	"grid-rebalance-bot/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base *zap.Logger

// New 根据配置构建zap日志记录器。文件输出通过lumberjack切割。
func New(cfg models.LogConfig) *zap.Logger {
	return newWithConsole(cfg, os.Stdout)
}

func newWithConsole(cfg models.LogConfig, console io.Writer) *zap.Logger {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format, encoderConfig), fileWriter, logLevel))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		consoleEnc := encoderConfig
		// 只在控制台文本输出中启用颜色
		if strings.ToLower(cfg.Format) != "json" {
			consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format, consoleEnc), zapcore.AddSync(console), logLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func encoder(format string, cfg zapcore.EncoderConfig) zapcore.Encoder {
	if strings.ToLower(format) == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// InitLogger 初始化全局日志记录器并返回它
func InitLogger(cfg models.LogConfig) *zap.Logger {
	base = New(cfg)
	zap.ReplaceGlobals(base)
	return base
}

// L 返回全局logger
func L() *zap.Logger {
	if base == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return base
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}
