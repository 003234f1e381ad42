package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-storefront-orders/internal/auth"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

type Placer interface {
	PlaceOrder(ctx context.Context, id *auth.Identity, req orders.PlaceRequest) orders.Result
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type OrdersHandler struct {
	Placer   Placer
	DB       postgres.Querier
	Repo     orders.Repo
	Redis    redis.Cmdable
	Placed   Publisher
	Rejected Publisher
	Service  string
	Timeout  time.Duration
	Log      logrus.FieldLogger
}

var reasonStatus = map[orders.Reason]int{
	orders.ReasonInvalidRequest:    http.StatusBadRequest,
	orders.ReasonUnauthorized:      http.StatusUnauthorized,
	orders.ReasonNotFound:          http.StatusNotFound,
	orders.ReasonOutOfStock:        http.StatusConflict,
	orders.ReasonTransientConflict: http.StatusServiceUnavailable,
	orders.ReasonInternalError:     http.StatusInternalServerError,
}

// Register mounts the order routes; authn guards everything that needs an
// identity.
func (h *OrdersHandler) Register(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)
	})
	r.Get("/products/{id}/sales", h.productSales)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeReason(w http.ResponseWriter, reason orders.Reason) {
	writeReasonDetail(w, reason, reason.Detail())
}

func writeReasonDetail(w http.ResponseWriter, reason orders.Reason, detail string) {
	if reason == orders.ReasonTransientConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, reasonStatus[reason], map[string]string{"reason": string(reason), "error": detail})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, orders.ReasonInvalidRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	id := auth.FromContext(r.Context())
	res := h.Placer.PlaceOrder(ctx, id, req)
	traceID := middleware.GetReqID(r.Context())

	if !res.Committed() {
		if res.Reason == orders.ReasonOutOfStock {
			h.publish(h.Rejected, orders.EventOrderRejected, traceID, req.ProductID, orders.OrderRejectedPayload{
				UserID: id.UserID, ProductID: req.ProductID, Quantity: req.Quantity, Reason: res.Reason,
			})
		}
		writeReason(w, res.Reason)
		return
	}

	h.publish(h.Placed, orders.EventOrderPlaced, traceID, res.Order.ProductID, res.Order.PlacedPayload())
	writeJSON(w, http.StatusCreated, res.Order)
}

// publish is best effort: the order is already committed or rejected.
func (h *OrdersHandler) publish(p Publisher, eventType, traceID string, productID int64, payload any) {
	env, err := orders.NewEnvelope(eventType, h.Service, traceID, strconv.FormatInt(productID, 10), payload)
	if err != nil {
		h.Log.WithError(err).WithField("event_type", eventType).Error("build event")
		return
	}
	b, err := kafkax.Marshal(env)
	if err != nil {
		h.Log.WithError(err).WithField("event_type", eventType).Error("encode event")
		return
	}
	p.Publish(orders.PartitionKey(productID), b, kafkax.EventHeaders(eventType)...)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeReason(w, orders.ReasonInvalidRequest)
		return
	}
	id := auth.FromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.loadOrder(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) || (err == nil && o.UserID != id.UserID) {
		writeReasonDetail(w, orders.ReasonNotFound, orders.ErrOrderNotFound.Error())
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("order_id", orderID).Error("load order")
		writeReason(w, orders.ReasonInternalError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// loadOrder reads the Redis copy first and falls back to Postgres.
func (h *OrdersHandler) loadOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	key := redisx.OrderKey(orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil {
		var o orders.Order
		if json.Unmarshal([]byte(s), &o) == nil {
			return o, nil
		}
	}

	o, err := h.Repo.GetOrder(ctx, h.DB, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if b, err := json.Marshal(o); err == nil {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLOrderCache).Err()
	}
	return o, nil
}

func (h *OrdersHandler) productSales(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || productID <= 0 {
		writeReason(w, orders.ReasonInvalidRequest)
		return
	}

	sold, err := h.Redis.Get(r.Context(), redisx.ProductSalesKey(productID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.WithError(err).WithField("product_id", productID).Error("read sales counter")
		writeReason(w, orders.ReasonInternalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"product_id": productID, "units_sold": sold})
}
