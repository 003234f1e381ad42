package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned when no connection frees up within the
// acquire timeout. Callers may retry the whole request.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Querier is the read/write surface shared by pooled connections and
// transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction. pgx.Tx satisfies it.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is a connection leased from a Pool. It is owned by a single caller
// until Release; Release may be called any number of times.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// Acquirer hands out leased connections.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

type Pool struct {
	DB             *pgxpool.Pool
	acquireTimeout time.Duration
	txOpts         pgx.TxOptions
}

func NewPool(db *pgxpool.Pool, acquireTimeout time.Duration, txOpts pgx.TxOptions) *Pool {
	return &Pool{DB: db, acquireTimeout: acquireTimeout, txOpts: txOpts}
}

// Acquire blocks until a connection is free, the acquire timeout passes
// (ErrPoolExhausted) or ctx is done (ctx's error).
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	c, err := p.DB.Acquire(actx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if actx.Err() != nil {
			return nil, ErrPoolExhausted
		}
		return nil, errors.Wrap(err, "acquire connection")
	}
	return newLease(c, p.txOpts), nil
}

func (p *Pool) Close() { p.DB.Close() }

// pooledConn is the part of *pgxpool.Conn a lease needs.
type pooledConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Release()
}

type lease struct {
	conn   pooledConn
	txOpts pgx.TxOptions
	once   sync.Once
}

func newLease(c pooledConn, txOpts pgx.TxOptions) *lease {
	return &lease{conn: c, txOpts: txOpts}
}

func (l *lease) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return l.conn.Exec(ctx, sql, args...)
}

func (l *lease) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return l.conn.QueryRow(ctx, sql, args...)
}

func (l *lease) Begin(ctx context.Context) (Tx, error) {
	tx, err := l.conn.BeginTx(ctx, l.txOpts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *lease) Release() {
	l.once.Do(l.conn.Release)
}
