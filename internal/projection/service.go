package projection

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

// Service keeps the Redis read models in step with order.placed: a cached
// copy of each order and a units-sold counter per product.
type Service struct {
	Redis       redis.Cmdable
	ServiceName string
	Log         logrus.FieldLogger
}

// HandleOrderPlaced is installed as the consumer handler.
func (s *Service) HandleOrderPlaced(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.Log.WithError(err).WithField("offset", m.Offset).Warn("skipping undecodable message")
		return nil
	}
	if env.EventType != orders.EventOrderPlaced {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
	if err != nil {
		s.Log.WithError(err).WithField("event_id", env.EventID).Warn("skipping bad payload")
		return nil
	}

	first, err := redisx.MarkOnce(ctx, s.Redis, redisx.DedupKey(s.ServiceName, env.EventID), redisx.TTLDedup)
	if err != nil {
		return errors.Wrap(err, "dedup")
	}
	if !first {
		return nil
	}

	body, err := json.Marshal(p.Order())
	if err != nil {
		return errors.Wrap(err, "encode order")
	}
	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisx.OrderKey(p.OrderID), body, redisx.TTLOrderCache)
		pipe.IncrBy(ctx, redisx.ProductSalesKey(p.ProductID), int64(p.Quantity))
		return nil
	})
	if err != nil {
		// let the redelivery apply it again
		_ = s.Redis.Del(ctx, redisx.DedupKey(s.ServiceName, env.EventID)).Err()
		return errors.Wrap(err, "project order")
	}
	s.Log.WithFields(logrus.Fields{"order_id": p.OrderID, "product_id": p.ProductID}).Debug("order projected")
	return nil
}
