package orders

import "strconv"

const (
	TopicOrderPlaced   = "order.placed"
	TopicOrderRejected = "order.rejected"
)

// PartitionKey keeps every event about one product on one partition, so
// consumers see them in commit order.
func PartitionKey(productID int64) []byte { return []byte(strconv.FormatInt(productID, 10)) }
