package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type PoolOptions struct {
	MinConns       int32
	MaxConns       int32
	AcquireTimeout time.Duration
	Isolation      string
}

// Connect opens a pgx pool sized by opts and wraps it as a Pool.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*Pool, error) {
	iso, err := ParseIsolation(opts.Isolation)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.HealthCheckPeriod = 30 * time.Second
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return NewPool(db, opts.AcquireTimeout, pgx.TxOptions{IsoLevel: iso}), nil
}

func ParseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read committed":
		return pgx.ReadCommitted, nil
	case "repeatable read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	}
	return "", errors.Errorf("unsupported isolation level %q", s)
}
