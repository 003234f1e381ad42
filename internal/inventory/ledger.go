package inventory

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
)

type Outcome int

const (
	Reserved Outcome = iota + 1
	InsufficientStock
	RetryExhausted
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case InsufficientStock:
		return "insufficient_stock"
	case RetryExhausted:
		return "retry_exhausted"
	}
	return "unknown"
}

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrRetryExhausted  = errors.New("retries exhausted on transient conflicts")
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Ledger is the only writer of products.stock_quantity. Mutual exclusion
// on a product row is left to Postgres: the conditional UPDATE holds the
// row lock until the surrounding transaction ends, so it stays correct
// across processes sharing the database.
type Ledger struct {
	policy RetryPolicy
	log    logrus.FieldLogger
}

func NewLedger(policy RetryPolicy, log logrus.FieldLogger) *Ledger {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Ledger{policy: policy, log: log}
}

// Reserve decrements stock by qty inside tx when enough is left.
// It never mutates stock on InsufficientStock.
func (l *Ledger) Reserve(ctx context.Context, tx postgres.Querier, productID int64, qty int) (Outcome, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	ct, err := tx.Exec(ctx, `
		UPDATE products SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2`, productID, qty)
	if err != nil {
		return 0, errors.Wrapf(err, "reserve product %d", productID)
	}
	if ct.RowsAffected() != 1 {
		return InsufficientStock, nil
	}
	return Reserved, nil
}

// Release puts qty units back on the shelf.
func (l *Ledger) Release(ctx context.Context, tx postgres.Querier, productID int64, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := tx.Exec(ctx, `UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1`, productID, qty)
	if err != nil {
		return errors.Wrapf(err, "release product %d", productID)
	}
	if ct.RowsAffected() != 1 {
		return errors.Errorf("release product %d: no such product", productID)
	}
	return nil
}

// WithRetry runs attempt until it returns a non-transient result. attempt
// must open and finish its own transaction, so every retry starts from a
// fresh read. Transient failures past MaxAttempts yield RetryExhausted;
// any other error is returned as is.
func (l *Ledger) WithRetry(ctx context.Context, attempt func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	var out Outcome
	exhausted, err := l.retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = attempt(ctx)
		return err
	})
	if exhausted {
		return RetryExhausted, nil
	}
	return out, err
}

// Restock puts qty units back on productID in its own transaction on conn,
// retried like a reservation. It fails with ErrRetryExhausted when every
// attempt hit a transient conflict.
func (l *Ledger) Restock(ctx context.Context, conn postgres.Conn, productID int64, qty int) error {
	exhausted, err := l.retry(ctx, func(ctx context.Context) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, "begin")
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
		if err := l.Release(ctx, tx, productID, qty); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(ctx), "commit")
	})
	if exhausted {
		return errors.Wrapf(ErrRetryExhausted, "restock product %d", productID)
	}
	return err
}

// retry reports exhausted when op still failed transiently after
// MaxAttempts tries.
func (l *Ledger) retry(ctx context.Context, op func(ctx context.Context) error) (exhausted bool, err error) {
	b := backoff.NewExponentialBackOff()
	if l.policy.InitialBackoff > 0 {
		b.InitialInterval = l.policy.InitialBackoff
	}
	if l.policy.MaxBackoff > 0 {
		b.MaxInterval = l.policy.MaxBackoff
	}

	tries := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := op(ctx)
		if err != nil && !postgres.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.log.WithError(err).WithField("retry_in", next).Debug("transient conflict, restarting transaction")
		}),
	)
	if err != nil && postgres.IsTransient(err) {
		l.log.WithError(err).WithField("attempts", tries).Warn("retries exhausted")
		return true, nil
	}
	return false, err
}
