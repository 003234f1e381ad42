package orders

// Reason is the single cause attached to a rejected placement.
type Reason string

const (
	ReasonInvalidRequest    Reason = "INVALID_REQUEST"
	ReasonUnauthorized      Reason = "UNAUTHORIZED"
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonOutOfStock        Reason = "OUT_OF_STOCK"
	ReasonTransientConflict Reason = "TRANSIENT_CONFLICT"
	ReasonInternalError     Reason = "INTERNAL_ERROR"
)

var reasonDetail = map[Reason]string{
	ReasonInvalidRequest:    "quantity must be a positive integer and product_id must be set",
	ReasonUnauthorized:      "could not validate credentials",
	ReasonNotFound:          "product not found",
	ReasonOutOfStock:        "not enough stock to fulfil the order",
	ReasonTransientConflict: "the order could not be placed due to contention, retry the request",
	ReasonInternalError:     "internal server error",
}

func (r Reason) Detail() string { return reasonDetail[r] }

// Retryable reports whether the same request may succeed if sent again.
func (r Reason) Retryable() bool {
	return r == ReasonTransientConflict || r == ReasonInternalError
}

// Result is the outcome of PlaceOrder: a committed Order, or a Reason.
type Result struct {
	Order  Order
	Status Status
	Reason Reason
}

func (r Result) Committed() bool { return r.Status == StatusConfirmed }

func committed(o Order) Result {
	return Result{Order: o, Status: StatusConfirmed}
}

func rejected(reason Reason) Result {
	return Result{Status: StatusRejected, Reason: reason}
}
