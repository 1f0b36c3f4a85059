package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string // "memory" (default) or "redis"
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
	RedisURL      string
	Logger        logrus.FieldLogger
}

// Open creates the configured backend.
func Open(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Backend {
	case "", "memory":
		var mopts []MemoryOption
		if opts.Logger != nil {
			mopts = append(mopts, WithLogger(opts.Logger))
		}
		m, err := NewMemory(MemoryConfig{
			TTL:           opts.TTL,
			MaxSize:       opts.MaxSize,
			SweepInterval: opts.SweepInterval,
		}, mopts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "redis":
		r, err := NewRedis(ctx, opts.RedisURL, opts.TTL, opts.Logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
