package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventOrderPlaced   = "OrderPlaced"
	EventOrderRejected = "OrderRejected"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
}

type OrderRejectedPayload struct {
	UserID    int64  `json:"user_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    Reason `json:"reason"`
}

func NewEnvelope(eventType, producer, traceID, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

func (o Order) PlacedPayload() OrderPlacedPayload {
	return OrderPlacedPayload{
		OrderID:   o.ID,
		UserID:    o.UserID,
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		UnitPrice: o.UnitPrice,
		CreatedAt: o.CreatedAt,
	}
}

// Order rebuilds the committed order an OrderPlaced event describes.
func (p OrderPlacedPayload) Order() Order {
	return Order{
		ID:        p.OrderID,
		UserID:    p.UserID,
		ProductID: p.ProductID,
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice,
		Status:    StatusConfirmed,
		CreatedAt: p.CreatedAt,
	}
}
