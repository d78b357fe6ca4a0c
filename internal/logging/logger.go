// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	// Development switches to the colored console encoder.
	Development bool
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
}

// New builds a zap.Logger for cfg. Every entry carries the service name.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build(zap.Fields(zap.String("service", "multipublish")))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", raw, err)
	}
	return level, nil
}
