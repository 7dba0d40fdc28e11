package logger

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"talkstream/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Log   = zap.NewNop()
	Sugar = Log.Sugar()
	once  sync.Once
)

// BracketEncoder 以 [时间][级别][调用位置] 的格式输出日志，结构化字段追加在消息之后
type BracketEncoder struct {
	zapcore.Encoder
	pool   buffer.Pool
	fields []zapcore.Field
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() config.LogConfig {
	return config.LogConfig{
		Level:      "info",
		File:       "logs/talkstream.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// NewBracketEncoder 创建编码器
func NewBracketEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &BracketEncoder{
		Encoder: zapcore.NewJSONEncoder(cfg),
		pool:    buffer.NewPool(),
	}
}

// Clone 复制编码器及其上下文字段
func (e *BracketEncoder) Clone() zapcore.Encoder {
	fields := make([]zapcore.Field, len(e.fields))
	copy(fields, e.fields)
	return &BracketEncoder{
		Encoder: e.Encoder.Clone(),
		pool:    e.pool,
		fields:  fields,
	}
}

// addContext 复制编码器并附加 With 产生的字段
func (e *BracketEncoder) addContext(fields []zapcore.Field) *BracketEncoder {
	c := e.Clone().(*BracketEncoder)
	c.fields = append(c.fields, fields...)
	return c
}

// EncodeEntry 输出一行日志
func (e *BracketEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf := e.pool.Get()

	buf.AppendString("[")
	buf.AppendString(entry.Time.Format("2006-01-02T15:04:05.000-0700"))
	buf.AppendString("][")
	buf.AppendString(entry.Level.CapitalString())
	buf.AppendString("][")
	buf.AppendString(entry.Caller.TrimmedPath())
	buf.AppendString("]")
	if entry.LoggerName != "" {
		buf.AppendString("[")
		buf.AppendString(entry.LoggerName)
		buf.AppendString("]")
	}

	buf.AppendString(" ")
	buf.AppendString(entry.Message)

	all := append(append([]zapcore.Field{}, e.fields...), fields...)
	if len(all) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range all {
			f.AddTo(enc)
		}
		keys := make([]string, 0, len(enc.Fields))
		for k := range enc.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.AppendString(" ")
			buf.AppendString(k)
			buf.AppendString("=")
			buf.AppendString(fmt.Sprint(enc.Fields[k]))
		}
	}

	if entry.Stack != "" {
		buf.AppendString("\n")
		buf.AppendString(entry.Stack)
	}
	buf.AppendString("\n")
	return buf, nil
}

// bracketCore 让 logger.With 的字段进入 BracketEncoder
type bracketCore struct {
	zapcore.Core
	enc   *BracketEncoder
	out   zapcore.WriteSyncer
	level zapcore.LevelEnabler
}

func newBracketCore(enc *BracketEncoder, out zapcore.WriteSyncer, level zapcore.LevelEnabler) zapcore.Core {
	return &bracketCore{
		Core:  zapcore.NewCore(enc, out, level),
		enc:   enc,
		out:   out,
		level: level,
	}
}

func (c *bracketCore) With(fields []zapcore.Field) zapcore.Core {
	return newBracketCore(c.enc.addContext(fields), c.out, c.level)
}

func (c *bracketCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bracketCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	_, err = c.out.Write(buf.Bytes())
	buf.Free()
	if err != nil {
		return err
	}
	if ent.Level > zapcore.ErrorLevel {
		return c.out.Sync()
	}
	return nil
}

// InitLogger 初始化全局 logger。cfg 为 nil 时使用默认配置；File 为空时只输出到 stdout
func InitLogger(cfg *config.LogConfig) {
	once.Do(func() {
		if cfg == nil {
			def := DefaultLogConfig()
			cfg = &def
		}

		level := zap.InfoLevel
		if err := level.Set(cfg.Level); err != nil {
			level = zap.InfoLevel
		}
		atomic := zap.NewAtomicLevelAt(level)

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "time"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		core := newBracketCore(NewBracketEncoder(encoderConfig).(*BracketEncoder), zapcore.AddSync(os.Stdout), atomic)
		if cfg.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
			fileCore := newBracketCore(NewBracketEncoder(encoderConfig).(*BracketEncoder), zapcore.AddSync(rotator), atomic)
			core = zapcore.NewTee(core, fileCore)
		}

		Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.DPanicLevel))
		Sugar = Log.Sugar()
	})
}

// Debug 调试日志
func Debug(msg string, args ...interface{}) {
	Sugar.Debugf(msg, args...)
}

// Info 信息日志
func Info(msg string, args ...interface{}) {
	Sugar.Infof(msg, args...)
}

// Warn 警告日志
func Warn(msg string, args ...interface{}) {
	Sugar.Warnf(msg, args...)
}

// Error 错误日志
func Error(msg string, args ...interface{}) {
	Sugar.Errorf(msg, args...)
}

// Fatal 致命错误，记录后退出进程
func Fatal(msg string, args ...interface{}) {
	Sugar.Fatalf(msg, args...)
}

// With 返回带字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

// Named 返回命名子 logger
func Named(name string) *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// Sync 刷新缓冲
func Sync() error {
	return Log.Sync()
}
