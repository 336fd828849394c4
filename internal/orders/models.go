package orders

import "time"

// Stock is either Tracked (a counted inventory) or Untracked (unlimited).
// Switch on the concrete type; there are no other implementations.
type Stock interface {
	isStock()
}

type Tracked struct{ Count int }

type Untracked struct{}

func (Tracked) isStock()   {}
func (Untracked) isStock() {}

// StockFromNullable maps the nullable inventory column onto Stock.
func StockFromNullable(n *int) Stock {
	if n == nil {
		return Untracked{}
	}
	return Tracked{Count: *n}
}

// StockToNullable is the inverse of StockFromNullable.
func StockToNullable(s Stock) *int {
	switch s := s.(type) {
	case Tracked:
		n := s.Count
		return &n
	case Untracked:
		return nil
	default:
		panic("orders: unknown Stock variant")
	}
}

type Product struct {
	ID                   string
	Title                string
	PriceCents           int64
	DiscountedPriceCents *int64
	Stock                Stock
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Order struct {
	ID         string
	UserID     string
	Status     Status // see status.go
	TotalCents int64
	AddressID  *string
	Items      []OrderItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem keeps the unit price the buyer saw; it is never re-derived.
type OrderItem struct {
	ID             string
	OrderID        string
	ProductID      string
	Quantity       int
	UnitPriceCents int64
}

type Address struct {
	ID         string
	UserID     string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	IsDefault  bool
	CreatedAt  time.Time
}
