package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
)

func identity(n int) *auth.Identity {
	return &auth.Identity{UserID: int64(n), Username: "user"}
}

// placeConcurrently fires one PlaceOrder per request at the same time.
func placeConcurrently(svc *Service, reqs []PlaceRequest) []Result {
	results := make([]Result, len(reqs))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = svc.PlaceOrder(context.Background(), identity(i+1), req)
		}()
	}
	close(start)
	wg.Wait()
	return results
}

func countReasons(results []Result) (committed int, reasons map[Reason]int) {
	reasons = map[Reason]int{}
	for _, r := range results {
		if r.Committed() {
			committed++
			continue
		}
		reasons[r.Reason]++
	}
	return committed, reasons
}

func TestPlaceOrderNoOversellUnderContention(t *testing.T) {
	db := newFakeDB(map[int64]int{8: 10})
	pool := newFakePool(db, 4)
	svc := newTestService(db, pool, 3)

	reqs := make([]PlaceRequest, 15)
	for i := range reqs {
		reqs[i] = PlaceRequest{ProductID: 8, Quantity: 1}
	}
	results := placeConcurrently(svc, reqs)

	committed, reasons := countReasons(results)
	assert.Equal(t, 10, committed)
	assert.Equal(t, map[Reason]int{ReasonOutOfStock: 5}, reasons)
	assert.Equal(t, 0, db.stock(8))
	assert.Equal(t, 10, db.committedQty(8))
	assert.Len(t, db.orders, 10)
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}

func TestPlaceOrderExceedingStock(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 6})

	assert.False(t, res.Committed())
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonOutOfStock, res.Reason)
	assert.Equal(t, 5, db.stock(1))
	assert.Empty(t, db.orders)
	assert.Equal(t, 1, db.rollbacks)
	assert.Equal(t, int32(1), pool.released.Load())
}

func TestPlaceOrderTwoRequestsSplitThreeUnits(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 3})
	svc := newTestService(db, newFakePool(db, 2), 3)

	results := placeConcurrently(svc, []PlaceRequest{{ProductID: 1, Quantity: 2}, {ProductID: 1, Quantity: 2}})

	committed, reasons := countReasons(results)
	assert.Equal(t, 1, committed)
	assert.Equal(t, map[Reason]int{ReasonOutOfStock: 1}, reasons)
	assert.Equal(t, 1, db.stock(1))
}

func TestPlaceOrderWaitsForSingleConnection(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5, 2: 5})
	pool := newFakePool(db, 1)
	pool.hold = 20 * time.Millisecond
	svc := newTestService(db, pool, 3)

	results := placeConcurrently(svc, []PlaceRequest{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}})

	for _, r := range results {
		assert.True(t, r.Committed(), "reason %s", r.Reason)
	}
	assert.Equal(t, int32(1), pool.maxHeld.Load())
	assert.Equal(t, 4, db.stock(1))
	assert.Equal(t, 4, db.stock(2))
}

func TestPlaceOrderRetriesTransientConflict(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	db.conflicts = 2
	svc := newTestService(db, newFakePool(db, 1), 5)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	require.True(t, res.Committed())
	assert.Equal(t, 3, db.reserveCalls)
	assert.Equal(t, 3, db.begins)
	assert.Equal(t, 2, db.rollbacks)
	assert.Equal(t, 3, db.stock(1))
	assert.Len(t, db.orders, 1)
}

func TestPlaceOrderRetryExhausted(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	db.conflicts = 100
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	assert.Equal(t, ReasonTransientConflict, res.Reason)
	assert.True(t, res.Reason.Retryable())
	assert.Equal(t, 3, db.reserveCalls)
	assert.Equal(t, 5, db.stock(1))
	assert.Empty(t, db.orders)
	assert.Equal(t, int32(1), pool.released.Load())
}

func TestPlaceOrderValidation(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)
	ctx := context.Background()

	t.Run("zero quantity", func(t *testing.T) {
		res := svc.PlaceOrder(ctx, identity(1), PlaceRequest{ProductID: 1, Quantity: 0})
		assert.Equal(t, ReasonInvalidRequest, res.Reason)
	})

	t.Run("negative quantity", func(t *testing.T) {
		res := svc.PlaceOrder(ctx, identity(1), PlaceRequest{ProductID: 1, Quantity: -3})
		assert.Equal(t, ReasonInvalidRequest, res.Reason)
	})

	t.Run("missing identity", func(t *testing.T) {
		res := svc.PlaceOrder(ctx, nil, PlaceRequest{ProductID: 1, Quantity: 1})
		assert.Equal(t, ReasonUnauthorized, res.Reason)
	})

	assert.Zero(t, pool.acquired.Load())
	assert.Equal(t, 5, db.stock(1))
}

func TestPlaceOrderUnknownProduct(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 42, Quantity: 1})

	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.Zero(t, db.begins)
	assert.Equal(t, int32(1), pool.released.Load())
}

func TestPlaceOrderInsertFailureRollsBackStock(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	db.insertErr = errors.New("pq: relation \"orders\" does not exist")
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	assert.Equal(t, ReasonInternalError, res.Reason)
	assert.Equal(t, 5, db.stock(1))
	assert.Empty(t, db.orders)
	assert.Equal(t, 1, db.rollbacks)
	assert.Equal(t, int32(1), pool.released.Load())
}

func TestPlaceOrderCommitFailureLeavesNoPartialState(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	db.commitErr = errors.New("connection reset by peer")
	svc := newTestService(db, newFakePool(db, 1), 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	assert.Equal(t, ReasonInternalError, res.Reason)
	assert.Equal(t, 5, db.stock(1))
	assert.Empty(t, db.orders)
}

func TestPlaceOrderPoolExhausted(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	pool.acquireErr = postgres.ErrPoolExhausted
	svc := newTestService(db, pool, 3)

	res := svc.PlaceOrder(context.Background(), identity(1), PlaceRequest{ProductID: 1, Quantity: 1})

	assert.Equal(t, ReasonTransientConflict, res.Reason)
	assert.Equal(t, 5, db.stock(1))
}

func TestPlaceOrderCancelledBeforeCommit(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.PlaceOrder(ctx, identity(1), PlaceRequest{ProductID: 1, Quantity: 1})

	assert.Equal(t, ReasonInternalError, res.Reason)
	assert.Equal(t, 5, db.stock(1))
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}

func TestPlaceOrderCancelledAfterReserve(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	ctx, cancel := context.WithCancel(context.Background())
	db.afterReserve = cancel

	res := svc.PlaceOrder(ctx, identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	assert.Equal(t, ReasonInternalError, res.Reason)
	assert.Equal(t, 5, db.stock(1))
	assert.Zero(t, db.committedQty(1))
	assert.Zero(t, db.commits)
	assert.Equal(t, 1, db.rollbacks)
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}

func TestPlaceOrderCancelledDuringCommit(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 5})
	pool := newFakePool(db, 1)
	svc := newTestService(db, pool, 3)

	ctx, cancel := context.WithCancel(context.Background())
	db.afterCommit = cancel

	res := svc.PlaceOrder(ctx, identity(1), PlaceRequest{ProductID: 1, Quantity: 2})

	require.True(t, res.Committed(), "reason %s", res.Reason)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.NotZero(t, res.Order.ID)
	assert.Equal(t, 3, db.stock(1))
	assert.Equal(t, 2, db.committedQty(1))
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}

func TestPlaceOrderConservation(t *testing.T) {
	db := newFakeDB(map[int64]int{1: 37, 2: 11})
	pool := newFakePool(db, 3)
	db.conflicts = 4
	svc := newTestService(db, pool, 6)

	var reqs []PlaceRequest
	for i := 0; i < 40; i++ {
		reqs = append(reqs, PlaceRequest{ProductID: int64(i%2 + 1), Quantity: i%3 + 1})
	}
	results := placeConcurrently(svc, reqs)

	for _, r := range results {
		if r.Committed() {
			assert.Equal(t, StatusConfirmed, r.Order.Status)
			continue
		}
		assert.Contains(t, []Reason{ReasonOutOfStock, ReasonTransientConflict}, r.Reason)
	}
	assert.Equal(t, 37, db.stock(1)+db.committedQty(1))
	assert.Equal(t, 11, db.stock(2)+db.committedQty(2))
	assert.GreaterOrEqual(t, db.stock(1), 0)
	assert.GreaterOrEqual(t, db.stock(2), 0)
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}
