package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/shakescript/internal/config"
)

// FileName is the structured log written under <home>/logs.
const FileName = "shakescript.log"

// Logger appends JSON lines to <home>/logs/shakescript.log so failures can be
// inspected after the TUI has taken over the terminal. Components log through
// the *zap.Logger returned by Named.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
	file  *os.File
}

// New creates (or reuses) the log file for the configured home directory.
func New(cfg *config.Config) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging: nil config")
	}
	if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(cfg.LogsDir(), FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	level, err := zap.ParseAtomicLevel(cfg.Client.Log.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), level)
	return &Logger{zap: zap.New(core), level: level, file: f}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// Level reports the minimum level written to the file.
func (l *Logger) Level() zapcore.Level {
	if l == nil || l.zap == nil {
		return zapcore.FatalLevel
	}
	return l.level.Level()
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.zap == nil {
		return zap.NewNop()
	}
	return l.zap
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *zap.Logger {
	return l.Zap().Named(component)
}

// Close flushes and releases the file handle.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if l.zap != nil {
		_ = l.zap.Sync()
	}
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
