package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStock(t *testing.T) {
	tests := []struct {
		name      string
		available int64
		threshold int64
		want      StockStatus
	}{
		{"zero is out", 0, 5, StockOut},
		{"negative clamps to out", -1, 5, StockOut},
		{"at threshold is low", 5, 5, StockLow},
		{"below threshold is low", 1, 5, StockLow},
		{"above threshold is available", 6, 5, StockAvailable},
		{"zero threshold leaves only out and available", 1, 0, StockAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStock(tt.available, tt.threshold))
		})
	}
}

func TestInsufficientStockErrorCarriesContext(t *testing.T) {
	err := ErrInsufficientStock{SKUID: "sku-9", Requested: 4, Available: 1}
	assert.Contains(t, err.Error(), "sku-9")
	assert.True(t, IsInsufficientStock(err))
	assert.False(t, IsInsufficientStock(ErrNotFound))
}

func TestInvalidTransitionError(t *testing.T) {
	err := ErrInvalidStateTransition{OrderID: "o1", From: OrderShipped, To: OrderCancelled}
	assert.Contains(t, err.Error(), "SHIPPED")
	assert.True(t, IsInvalidTransition(err))
}
