package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/TD-Producoes/revshare-sub005/internal/config"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// SQLOptions configures the sqlite and postgres backends.
type SQLOptions struct {
	// DSN is the driver specific data source name,
	// e.g. "file:revclaw.db?_pragma=busy_timeout(5000)" or "postgres://user@host/db?sslmode=disable".
	DSN string `mapstructure:"dsn"`
}

func decodeOptions(kind string, raw map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      result,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder for %s options: %w", kind, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode %s options: %w", kind, err)
	}
	return nil
}

// Build opens the configured store and, if configured, replaces its daily counter.
func Build(ctx context.Context, storeCfg config.StoreConfig, counterCfg config.CounterConfig) (core.Store, error) {
	var base core.Store
	switch storeCfg.Type {
	case "", "memory":
		base = NewMemory()
	case string(DialectSQLite), string(DialectPostgres):
		var opts SQLOptions
		if err := decodeOptions(storeCfg.Type, storeCfg.Config, &opts); err != nil {
			return nil, err
		}
		if opts.DSN == "" {
			return nil, fmt.Errorf("%s store requires 'dsn'", storeCfg.Type)
		}
		s, err := OpenSQL(ctx, Dialect(storeCfg.Type), opts.DSN)
		if err != nil {
			return nil, err
		}
		base = s
	default:
		return nil, fmt.Errorf("unknown store type %q", storeCfg.Type)
	}

	switch counterCfg.Type {
	case "", "store":
		return base, nil
	case "redis":
		var opts RedisCounterOptions
		if err := decodeOptions("redis counter", counterCfg.Config, &opts); err != nil {
			_ = base.Close()
			return nil, err
		}
		if opts.Addr == "" {
			_ = base.Close()
			return nil, errors.New("redis counter requires 'addr'")
		}
		return &withCounter{Store: base, counter: NewRedisCounter(opts)}, nil
	default:
		_ = base.Close()
		return nil, fmt.Errorf("unknown counter type %q", counterCfg.Type)
	}
}

// withCounter routes daily counters to a dedicated backend.
type withCounter struct {
	core.Store
	counter *RedisCounter
}

func (w *withCounter) IncrementDailyCounter(ctx context.Context, installationID, day string, limit int) (bool, error) {
	return w.counter.IncrementDailyCounter(ctx, installationID, day, limit)
}

func (w *withCounter) Close() error {
	return errors.Join(w.Store.Close(), w.counter.Close())
}
