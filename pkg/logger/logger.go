package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
)

// 控制台输出时等级固定 5 字符并着色
var levelColors = map[zapcore.Level]string{
	zapcore.DebugLevel:  "\x1b[35m",
	zapcore.InfoLevel:   "\x1b[34m",
	zapcore.WarnLevel:   "\x1b[33m",
	zapcore.ErrorLevel:  "\x1b[31m",
	zapcore.DPanicLevel: "\x1b[31;1m",
	zapcore.PanicLevel:  "\x1b[31;1m",
	zapcore.FatalLevel:  "\x1b[31;1m",
}

func paddedColorLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := fmt.Sprintf("%-5s", level.CapitalString())
	if c, ok := levelColors[level]; ok {
		s = c + s + "\x1b[0m"
	}
	enc.AppendString(s)
}

func paddedCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	const width = 24
	s := caller.TrimmedPath()
	if len(s) < width {
		s += strings.Repeat(" ", width-len(s))
	}
	enc.AppendString(s)
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// New 按级别和格式构建独立的 Logger
// level: debug, info, warn, error
// format: json, console
func New(level, format string) (*zap.Logger, error) {
	var cfg zapcore.EncoderConfig
	var enc zapcore.Encoder

	switch format {
	case "json":
		cfg = zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "console", "":
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeLevel = paddedColorLevel
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05.000]")
		cfg.EncodeCaller = paddedCaller
		cfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("未知日志格式: %s", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), parseLevel(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Init 初始化全局日志器，可重复调用以调整级别
func Init(level, format string) error {
	l, err := New(level, format)
	if err != nil {
		return err
	}
	mu.Lock()
	globalLogger = l
	mu.Unlock()
	return nil
}

// Get 获取全局 Logger，未初始化时使用 info/console
func Get() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init("info", "console")
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Nop 返回丢弃所有输出的 Logger
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop 在 l 为 nil 时返回 Nop
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Sync 刷新日志缓冲，最多等待 200ms
func Sync() {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

// Debug 记录调试信息
func Debug(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 记录信息
func Info(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 记录警告
func Warn(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 记录错误
func Error(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Named 创建命名 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// With 创建带字段的 Logger
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Err      = zap.Error
	Any      = zap.Any
	Binary   = zap.Binary
	Stringer = zap.Stringer
)

// SPI 以十六进制输出 IKE SPI
func SPI(key string, spi uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%016x", spi))
}

// ChildSPI 以十六进制输出 ESP SPI
func ChildSPI(key string, spi uint32) zap.Field {
	return zap.String(key, fmt.Sprintf("%08x", spi))
}

// MsgID 消息 ID 字段
func MsgID(id uint32) zap.Field {
	return zap.Uint32("msgID", id)
}

// Exchange 交换类型字段
func Exchange(ex fmt.Stringer) zap.Field {
	return zap.Stringer("exchange", ex)
}

// State 状态机状态字段
func State(st fmt.Stringer) zap.Field {
	return zap.Stringer("state", st)
}
