package orders

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusPaid          Status = "PAID"
	StatusShipped       Status = "SHIPPED"
	StatusDelivered     Status = "DELIVERED"
	StatusCancelled     Status = "CANCELLED"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:       {StatusProcessing: true, StatusPaid: true, StatusCancelled: true, StatusPaymentFailed: true},
	StatusProcessing:    {StatusPaid: true, StatusPaymentFailed: true, StatusCancelled: true},
	StatusPaid:          {StatusShipped: true, StatusCancelled: true},
	StatusShipped:       {StatusDelivered: true},
	StatusDelivered:     {},
	StatusCancelled:     {},
	StatusPaymentFailed: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
