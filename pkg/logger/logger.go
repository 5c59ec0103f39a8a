package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Inst  *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Inst = l.Sugar()
}

// SetLevel changes the level of Inst at runtime, e.g. "debug" or "warn".
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

func Level() zapcore.Level {
	return level.Level()
}
