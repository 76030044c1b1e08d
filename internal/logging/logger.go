// Package logging builds the process logger and keeps a queryable tail of
// recent entries for observers.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build returns a logger writing entries below error to stdout and the rest
// to stderr. Extra cores (such as a Buffer) receive every entry as well.
func Build(level, encoding string, extra ...zapcore.Core) (*zap.Logger, zap.AtomicLevel, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, atomicLevel, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	encoder := zapcore.NewJSONEncoder(encCfg)
	if encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lowPriority),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), highPriority),
	}
	cores = append(cores, extra...)

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), atomicLevel, nil
}

// MustBuild is Build for process entry points.
func MustBuild(level, encoding string, extra ...zapcore.Core) *zap.Logger {
	l, _, err := Build(level, encoding, extra...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return l
}
