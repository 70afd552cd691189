// Package utils holds small cross-cutting helpers shared by every
// subsystem: structured logging, hashing, and the periodic task scheduler.
package utils

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"qtun/config"
)

// Logger is the process-wide structured logger. It is usable immediately
// (built from config.Default() at package init, mirroring the teacher's
// own init-time logger setup) and can be rebuilt once real configuration
// is known by calling InitLogger from the CLI after flags are parsed.
var Logger *zap.Logger

func init() {
	Logger = buildLogger(config.GlobalCfg.Log)
}

// InitLogger rebuilds Logger from the given settings. Call once, right
// after configuration is finalized and before any other subsystem starts.
func InitLogger(cfg config.Log) {
	old := Logger
	Logger = buildLogger(cfg)
	old.Sync()
}

func buildLogger(cfg config.Log) *zap.Logger {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		enabled, ok := levelMap[cfg.Level]
		if !ok {
			enabled = zapcore.InfoLevel
		}
		return lvl >= enabled
	})

	hook := lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    1024,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	files := zapcore.AddSync(&hook)
	console := zapcore.Lock(zapcore.AddSync(os.Stdout))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, files, highPriority),
		zapcore.NewCore(consoleEncoder, console, highPriority),
	)

	return zap.New(core, zap.AddCaller(), zap.Development())
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// TimeEncoder formats timestamps the way the teacher's logger does.
func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
