package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "bulksend/pkg/logx"
)

// Set is a durable key-membership set.
type Set interface {
	Has(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
	// PurgeBefore drops members added before t and returns how many were removed.
	PurgeBefore(ctx context.Context, t time.Time) (int, error)
	Close() error
}

// Open initializes the named set on the configured backend.
func Open(ctx context.Context, cfg Config, name string, log logx.Logger) (Set, error) {
	if !validName(name) {
		return nil, ErrUnknownSet
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("set", name))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "none":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, name, log)
	case "redis":
		return openRedis(ctx, cfg, name, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
