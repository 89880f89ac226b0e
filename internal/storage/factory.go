package storage

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config selects a backend implementation and carries its connection
// parameters. It is populated from the environment once at process start.
type Config struct {
	// Type is one of "memory", "file", "sqlite", "redis". Empty selects
	// the memory backend.
	Type string

	FilePath    string // file backend snapshot path
	DatabaseDSN string // sqlite backend DSN
	RedisURL    string // redis backend connection URL
}

// NewBackend builds the backend named by cfg. The returned backend still
// needs Initialize before use.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires a storage file path")
		}
		return NewFileBackend(cfg.FilePath), nil
	case "sqlite":
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("sqlite backend requires a database DSN")
		}
		return NewSQLiteBackend(cfg.DatabaseDSN), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		return NewRedisBackend(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
