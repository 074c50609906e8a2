package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted in configuration.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend         string      `yaml:"backend"`
	Dir             string      `yaml:"dir"`              // file backend
	CheckpointEvery int         `yaml:"checkpoint_every"` // file backend
	SyncOnAppend    bool        `yaml:"sync_on_append"`   // file backend
	KeepBackups     int         `yaml:"keep_backups"`     // file backend
	SQL             SQLConfig   `yaml:"sql"`
	Redis           RedisConfig `yaml:"redis"`
}

// Enabled reports whether a store should be opened at all.
func (c Config) Enabled() bool {
	return c.Backend != "" && c.Backend != BackendNone
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFile(FileOptions{
			Dir:             cfg.Dir,
			CheckpointEvery: cfg.CheckpointEvery,
			SyncOnAppend:    cfg.SyncOnAppend,
			KeepBackups:     cfg.KeepBackups,
			Logger:          logger,
		})
	case BackendSQL:
		return OpenSQL(cfg.SQL)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	case "", BackendNone:
		return nil, fmt.Errorf("state backend %q has no store", cfg.Backend)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
