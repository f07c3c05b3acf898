package logutil

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavour. Format "json" builds the production
// encoder; anything else a colored console logger for development.
type Options struct {
	Format string
	Level  string
	NodeID string
}

// New builds a zap logger. BROKER_LOG_FORMAT=json and BROKER_LOG_LEVEL
// override empty option fields.
func New(o Options) *zap.Logger {
	if o.Format == "" {
		o.Format = os.Getenv("BROKER_LOG_FORMAT")
	}
	if o.Level == "" {
		o.Level = os.Getenv("BROKER_LOG_LEVEL")
	}
	level := parseLevel(o.Level)

	var cfg zap.Config
	if strings.EqualFold(o.Format, "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	if o.NodeID != "" {
		l = l.With(zap.String("node", o.NodeID))
	}
	return l
}

// Or returns l, or a no-op logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Named returns a child logger for a component, tolerating nil parents.
func Named(l *zap.Logger, name string) *zap.Logger {
	return Or(l).Named(name)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
