package redisx

import (
	"fmt"
	"time"
)

const (
	// order:{order_id} -> order JSON
	keyOrder = "order:%d"

	// sales:product:{product_id} -> units sold
	keyProductSales = "sales:product:%d"

	// dedup:{service}:{event_id}
	keyDedup = "dedup:%s:%s"
)

var (
	TTLOrderCache = 10 * time.Minute
	TTLDedup      = 48 * time.Hour
)

func OrderKey(orderID int64) string         { return fmt.Sprintf(keyOrder, orderID) }
func ProductSalesKey(productID int64) string { return fmt.Sprintf(keyProductSales, productID) }
func DedupKey(service, eventID string) string { return fmt.Sprintf(keyDedup, service, eventID) }
