// internal/logger/logger.go
package logger

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// Logger wraps zap.Logger with copy-trading context helpers.
type Logger struct {
	*zap.Logger
	config *Config
}

// New builds a tee logger: console on stdout and JSON into a rotating file.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zapcore.InfoLevel
	if cfg.Development {
		level = zapcore.DebugLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if cfg.Pretty && !cfg.Development {
		consoleEncoder = PrettyEncoder()
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level),
	}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		),
		config: cfg,
	}, nil
}

// WithOperation tags a logger with an operation name and a fresh correlation id.
func (l *Logger) WithOperation(operation string) *zap.Logger {
	return WithOperation(l.Logger, operation)
}

// TrackPerformance logs the duration of an operation when the returned func runs.
func (l *Logger) TrackPerformance(operation string) (end func()) {
	return TrackPerformance(l.Logger, operation)
}

// Sync flushes, ignoring the errors stdout returns on terminals.
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}

func WithOperation(l *zap.Logger, operation string) *zap.Logger {
	return l.With(
		zap.String("operation", operation),
		zap.String("correlation_id", uuid.NewString()),
	)
}

// WithOrder adds the order identity to every entry.
func WithOrder(l *zap.Logger, o *domain.Order) *zap.Logger {
	return l.With(
		zap.String("order_id", o.ID),
		zap.String("source_tx", o.SourceTx),
		zap.String("asset", o.Asset),
		zap.String("direction", string(o.Direction)),
		zap.String("requested", o.Requested.String()),
	)
}

// WithSignal adds the signal identity to every entry.
func WithSignal(l *zap.Logger, s *domain.TradeSignal) *zap.Logger {
	return l.With(
		zap.String("source_tx", s.SourceTx),
		zap.String("wallet", s.SourceWallet),
		zap.String("asset", s.Asset),
		zap.String("direction", string(s.Direction)),
		zap.String("source_quote", s.SourceQuote.StringFixed(2)),
	)
}

func TrackPerformance(l *zap.Logger, operation string) (end func()) {
	start := time.Now()
	opLogger := WithOperation(l, operation)
	opLogger.Debug("Starting operation")

	return func() {
		duration := time.Since(start)
		opLogger.Debug("Operation completed",
			zap.Duration("duration", duration),
			zap.Float64("duration_ms", float64(duration.Microseconds())/1000),
		)
	}
}
