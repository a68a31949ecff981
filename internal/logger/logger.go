// internal/logger/logger.go
package logger

import (
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

// Logger extends zap.Logger with helpers for the event bus.
type Logger struct {
	*zap.Logger
	config *Config
}

// New builds a logger writing JSON to a rotated file and, if enabled, a
// colored copy to stdout.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Development {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig(cfg)), zapcore.AddSync(rotator(cfg)), level),
	}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(PrettyEncoder(), zapcore.Lock(os.Stdout), level))
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		),
		config: cfg,
	}, nil
}

// Wrap adapts an existing zap logger, e.g. zap.NewNop() in tests.
func Wrap(l *zap.Logger) *Logger {
	return &Logger{Logger: l, config: DefaultConfig()}
}

func rotator(cfg *Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

func fileEncoderConfig(cfg *Config) zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return encoderConfig
}

// WithComponent adds the component name to the log context.
func (l *Logger) WithComponent(component string) *zap.Logger {
	return l.Named(component).With(zap.String("component", component))
}

// WithSubscription adds the identity of a subscription to the log context.
func (l *Logger) WithSubscription(sub *subscription.Subscription) *zap.Logger {
	return l.With(
		zap.String("subscription_id", sub.ID()),
		zap.Stringer("event_type", sub.EventType()),
		zap.String("handler", sub.Name()),
		zap.Bool("main_thread", sub.OnMainThread()),
	)
}

// WithOperation creates a logger for a single operation.
func (l *Logger) WithOperation(operation string) *zap.Logger {
	return l.With(
		zap.String("operation", operation),
		zap.String("correlation_id", uuid.New().String()),
		zap.Time("start_time", time.Now().UTC()),
	)
}

// TrackPerformance starts timing operation. The returned func logs how long
// it took, at warn level when it failed.
func (l *Logger) TrackPerformance(operation string) (end func(err error)) {
	start := time.Now()
	opLogger := l.WithOperation(operation)
	opLogger.Debug("Operation started")

	return func(err error) {
		elapsed := time.Since(start)
		fields := []zap.Field{
			zap.Duration("duration", elapsed),
			zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
		}
		if err != nil {
			opLogger.Warn("Operation failed", append(fields, zap.Error(err))...)
			return
		}
		opLogger.Debug("Operation completed", fields...)
	}
}

// Sync flushes buffered entries, ignoring the errors stdout returns when
// it is a terminal.
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if err != nil && (err.Error() == "sync /dev/stdout: invalid argument" ||
		err.Error() == "sync /dev/stdout: inappropriate ioctl for device") {
		return nil
	}
	return err
}
