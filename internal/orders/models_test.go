package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStockNullableRoundTrip(t *testing.T) {
	assert.Equal(t, Untracked{}, StockFromNullable(nil))
	assert.Nil(t, StockToNullable(Untracked{}))

	n := 7
	s := StockFromNullable(&n)
	assert.Equal(t, Tracked{Count: 7}, s)
	got := StockToNullable(s)
	if assert.NotNil(t, got) {
		assert.Equal(t, 7, *got)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPaid))
	assert.True(t, CanTransition(StatusPending, StatusPaymentFailed))
	assert.True(t, CanTransition(StatusProcessing, StatusPaid))
	assert.True(t, CanTransition(StatusPaid, StatusShipped))
	assert.True(t, CanTransition(StatusShipped, StatusDelivered))

	assert.False(t, CanTransition(StatusPaid, StatusPaymentFailed))
	assert.False(t, CanTransition(StatusPaymentFailed, StatusPaid))
	assert.False(t, CanTransition(StatusDelivered, StatusCancelled))
	assert.False(t, CanTransition(Status("BOGUS"), StatusPaid))
}

func TestNewOrderCreated(t *testing.T) {
	addr := "addr-1"
	o := Order{
		ID:         "o-1",
		UserID:     "u-1",
		TotalCents: 2500,
		AddressID:  &addr,
		Items: []OrderItem{
			{ProductID: "p-1", Quantity: 2, UnitPriceCents: 1000},
			{ProductID: "p-2", Quantity: 1, UnitPriceCents: 500},
		},
	}

	p := NewOrderCreated(o)

	assert.Equal(t, "o-1", p.OrderID)
	assert.Equal(t, int64(2500), p.TotalCents)
	assert.Equal(t, []ItemPrice{{"p-1", 2, 1000}, {"p-2", 1, 500}}, p.Items)
	assert.Equal(t, &addr, p.AddressID)
}
