package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{user_id}:{idempotency_key} -> "pending" | stored response
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cached order status: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Event processing dedup: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLIdemPending = 30 * time.Second
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
