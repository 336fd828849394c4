package orders

// LineItem is one (product, quantity, price) tuple of a cart. PriceCents is
// the price the buyer was shown. ExpectedVersion, when set, pins the product
// version the client read; a mismatch fails the checkout instead of retrying.
type LineItem struct {
	ProductID       string `json:"product_id"`
	Quantity        int    `json:"quantity"`
	PriceCents      int64  `json:"price_cents"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type AddressInput struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Save       bool   `json:"save_address"`
}

type PlaceOrderInput struct {
	UserID    string        `json:"-"`
	Items     []LineItem    `json:"items"`
	AddressID *string       `json:"address_id,omitempty"`
	Address   *AddressInput `json:"address,omitempty"`
}
