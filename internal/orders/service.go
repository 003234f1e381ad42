package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
)

const (
	// rollbackTimeout bounds a rollback issued after the caller has gone away.
	rollbackTimeout = 2 * time.Second
	// commitTimeout bounds a commit, which no longer follows the caller's context.
	commitTimeout = 5 * time.Second
)

type Ledger interface {
	Reserve(ctx context.Context, tx postgres.Querier, productID int64, qty int) (inventory.Outcome, error)
	WithRetry(ctx context.Context, attempt func(ctx context.Context) (inventory.Outcome, error)) (inventory.Outcome, error)
}

type Store interface {
	FindProduct(ctx context.Context, q postgres.Querier, id int64) (Product, error)
	InsertOrder(ctx context.Context, q postgres.Querier, o *Order) error
}

// Service places orders against finite stock. It holds no shared mutable
// state of its own and is safe for concurrent use.
type Service struct {
	pool   postgres.Acquirer
	ledger Ledger
	store  Store
	log    logrus.FieldLogger
}

func NewService(pool postgres.Acquirer, ledger Ledger, store Store, log logrus.FieldLogger) *Service {
	return &Service{pool: pool, ledger: ledger, store: store, log: log}
}

// PlaceOrder turns req into a committed order or a rejection with exactly
// one reason. The stock decrement and the order row commit together or
// not at all, and the pooled connection is released on every path.
func (s *Service) PlaceOrder(ctx context.Context, id *auth.Identity, req PlaceRequest) Result {
	p := &placement{
		stage: StageReceived,
		log:   s.log.WithFields(logrus.Fields{"product_id": req.ProductID, "quantity": req.Quantity}),
	}
	if req.Quantity <= 0 || req.ProductID <= 0 {
		return p.reject(ReasonInvalidRequest)
	}

	p.advance(StageVerifying)
	if id == nil {
		return p.reject(ReasonUnauthorized)
	}
	p.log = p.log.WithField("user_id", id.UserID)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return p.fail(err)
	}
	defer conn.Release()

	product, err := s.store.FindProduct(ctx, conn, req.ProductID)
	if errors.Is(err, ErrProductNotFound) {
		return p.reject(ReasonNotFound)
	}
	if err != nil {
		return p.fail(err)
	}

	p.advance(StageReserving)
	var order Order
	out, err := s.ledger.WithRetry(ctx, func(ctx context.Context) (inventory.Outcome, error) {
		return s.attempt(ctx, conn, p, *id, product, req.Quantity, &order)
	})
	if err != nil {
		return p.fail(err)
	}

	switch out {
	case inventory.Reserved:
		p.advance(StageCommitted)
		p.log.WithField("order_id", order.ID).Info("order committed")
		return committed(order)
	case inventory.InsufficientStock:
		return p.reject(ReasonOutOfStock)
	case inventory.RetryExhausted:
		return p.reject(ReasonTransientConflict)
	}
	return p.fail(errors.Errorf("unexpected ledger outcome %v", out))
}

// attempt runs one full transaction: reserve, insert, commit.
func (s *Service) attempt(ctx context.Context, conn postgres.Conn, p *placement, id auth.Identity, product Product, qty int, order *Order) (inventory.Outcome, error) {
	if p.stage == StagePersisting {
		p.advance(StageReserving)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	done := false
	defer func() {
		if !done {
			rollback(ctx, tx, p.log)
		}
	}()

	out, err := s.ledger.Reserve(ctx, tx, product.ID, qty)
	if err != nil || out != inventory.Reserved {
		return out, err
	}

	p.advance(StagePersisting)
	o := Order{
		UserID:    id.UserID,
		ProductID: product.ID,
		Quantity:  qty,
		UnitPrice: product.Price,
		Status:    StatusConfirmed,
	}
	if err := s.store.InsertOrder(ctx, tx, &o); err != nil {
		return 0, err
	}
	// Past this point the caller can no longer take the order back: a
	// cancelled COMMIT may still have been applied by the server.
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := tx.Commit(cctx); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	done = true
	*order = o
	return inventory.Reserved, nil
}

// rollback runs detached from ctx so a cancelled request still leaves the
// connection outside any transaction.
func rollback(ctx context.Context, tx postgres.Tx, log logrus.FieldLogger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(rctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.WithError(err).Warn("rollback failed")
	}
}

type placement struct {
	stage Stage
	log   logrus.FieldLogger
}

func (p *placement) advance(to Stage) {
	if p.stage.Terminal() || !CanTransition(p.stage, to) {
		p.log.WithFields(logrus.Fields{"from": p.stage, "to": to}).Error("invalid stage transition")
	}
	p.log.WithFields(logrus.Fields{"from": p.stage, "to": to}).Debug("stage")
	p.stage = to
}

func (p *placement) reject(reason Reason) Result {
	p.advance(StageRejected)
	p.log.WithField("reason", reason).Info("order rejected")
	return rejected(reason)
}

// fail maps unexpected errors to a reason. Raw storage errors are logged
// here and go no further.
func (p *placement) fail(err error) Result {
	switch {
	case errors.Is(err, postgres.ErrPoolExhausted):
		p.log.Warn("no pooled connection within acquire timeout")
		return p.reject(ReasonTransientConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.log.WithError(err).Info("placement abandoned by caller")
	default:
		p.log.WithError(err).Error("order placement failed")
	}
	return p.reject(ReasonInternalError)
}
