package logging

import (
	"io"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapSink forwards entries to a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps l. Level filtering is done by the owning Logger, so l
// should be configured to accept everything it is expected to receive.
func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{logger: l}
}

// Log implements Sink.
func (s *ZapSink) Log(level Level, msg string, attrs map[string]interface{}) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, attrs[k]))
	}

	switch level {
	case LevelDebug:
		s.logger.Debug(msg, fields...)
	case LevelInfo:
		s.logger.Info(msg, fields...)
	case LevelWarn:
		s.logger.Warn(msg, fields...)
	default:
		s.logger.Error(msg, fields...)
	}
}

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewZapLogger builds a JSON zap logger writing to w at level and above.
func NewZapLogger(w io.Writer, level Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapLevel(level))
	return zap.New(core)
}

// NewFileZapLogger is NewZapLogger writing to a lumberjack-rotated file.
// The returned closer closes the file.
func NewFileZapLogger(cfg FileConfig, level Level) (*zap.Logger, io.Closer) {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return NewZapLogger(lj, level), lj
}

func zapLevel(level Level) zapcore.Level {
	switch normalize(level) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
