package orders

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
)

// fakeDB stands in for Postgres: stock changes take effect under mu and are
// undone on rollback, order rows become visible on commit.
type fakeDB struct {
	mu        sync.Mutex
	products  map[int64]*Product
	orders    []Order
	nextID    int64
	conflicts int
	insertErr error
	commitErr error

	// afterReserve and afterCommit run once the change is applied, outside mu.
	afterReserve func()
	afterCommit  func()

	reserveCalls int
	begins       int
	commits      int
	rollbacks    int
}

func newFakeDB(stock map[int64]int) *fakeDB {
	db := &fakeDB{products: map[int64]*Product{}}
	for id, qty := range stock {
		db.products[id] = &Product{ID: id, Name: "widget", Price: decimal.RequireFromString("9.99"), StockQuantity: qty}
	}
	return db
}

func (db *fakeDB) stock(id int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.products[id].StockQuantity
}

func (db *fakeDB) committedQty(productID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, o := range db.orders {
		if o.ProductID == productID {
			n += o.Quantity
		}
	}
	return n
}

type fakePool struct {
	db         *fakeDB
	sem        chan struct{}
	acquireErr error

	acquired atomic.Int32
	released atomic.Int32
	held     atomic.Int32
	maxHeld  atomic.Int32
	hold     time.Duration
}

func newFakePool(db *fakeDB, size int) *fakePool {
	return &fakePool{db: db, sem: make(chan struct{}, size)}
}

func (p *fakePool) Acquire(ctx context.Context) (postgres.Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.acquired.Add(1)
	n := p.held.Add(1)
	for {
		m := p.maxHeld.Load()
		if n <= m || p.maxHeld.CompareAndSwap(m, n) {
			break
		}
	}
	return &fakeConn{pool: p}, nil
}

type fakeConn struct {
	pool *fakePool
	once sync.Once
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("fakeConn.Exec not used")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("fakeConn.QueryRow not used")
}

func (c *fakeConn) Begin(ctx context.Context) (postgres.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.pool.db.mu.Lock()
	c.pool.db.begins++
	c.pool.db.mu.Unlock()
	return &fakeTx{db: c.pool.db}, nil
}

func (c *fakeConn) Release() {
	c.once.Do(func() {
		time.Sleep(c.pool.hold)
		c.pool.held.Add(-1)
		c.pool.released.Add(1)
		<-c.pool.sem
	})
}

type fakeTx struct {
	db      *fakeDB
	undo    []func()
	pending []Order
	closed  bool
}

func (tx *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("fakeTx.Exec not used")
}

func (tx *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("fakeTx.QueryRow not used")
}

// Commit applies the transaction and then, like pgx, reports ctx's error if
// ctx ended while the round trip was in flight.
func (tx *fakeTx) Commit(ctx context.Context) error {
	if err := tx.commit(); err != nil {
		return err
	}
	if tx.db.afterCommit != nil {
		tx.db.afterCommit()
	}
	return ctx.Err()
}

func (tx *fakeTx) commit() error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	if tx.db.commitErr != nil {
		tx.abortLocked()
		return tx.db.commitErr
	}
	tx.db.orders = append(tx.db.orders, tx.pending...)
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.abortLocked()
	return nil
}

func (tx *fakeTx) abortLocked() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.db.rollbacks++
}

// fakeLedger keeps the real retry policy and emulates the conditional
// decrement on fakeDB.
type fakeLedger struct {
	*inventory.Ledger
}

func (l fakeLedger) Reserve(ctx context.Context, q postgres.Querier, productID int64, qty int) (inventory.Outcome, error) {
	tx := q.(*fakeTx)
	out, err := l.reserve(tx, productID, qty)
	if err == nil && tx.db.afterReserve != nil {
		tx.db.afterReserve()
	}
	return out, err
}

func (fakeLedger) reserve(tx *fakeTx, productID int64, qty int) (inventory.Outcome, error) {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reserveCalls++
	if db.conflicts > 0 {
		db.conflicts--
		return 0, &pgconn.PgError{Code: "40001"}
	}
	p := db.products[productID]
	if p.StockQuantity < qty {
		return inventory.InsufficientStock, nil
	}
	p.StockQuantity -= qty
	tx.undo = append(tx.undo, func() { p.StockQuantity += qty })
	return inventory.Reserved, nil
}

type fakeStore struct {
	db *fakeDB
}

func (s fakeStore) FindProduct(_ context.Context, _ postgres.Querier, id int64) (Product, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return *p, nil
}

func (s fakeStore) InsertOrder(_ context.Context, q postgres.Querier, o *Order) error {
	tx := q.(*fakeTx)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.insertErr != nil {
		return s.db.insertErr
	}
	s.db.nextID++
	o.ID = s.db.nextID
	o.CreatedAt = time.Now().UTC()
	tx.pending = append(tx.pending, *o)
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(db *fakeDB, pool *fakePool, attempts int) *Service {
	ledger := fakeLedger{inventory.NewLedger(inventory.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, quietLogger())}
	return NewService(pool, ledger, fakeStore{db: db}, quietLogger())
}
