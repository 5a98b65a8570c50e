package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusProcessing, OrderStatusCancelled, true},

		// no skipping steps
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusPending, OrderStatusDelivered, false},
		{OrderStatusProcessing, OrderStatusDelivered, false},

		// no backward transitions
		{OrderStatusShipped, OrderStatusPending, false},
		{OrderStatusShipped, OrderStatusProcessing, false},
		{OrderStatusDelivered, OrderStatusShipped, false},

		// cancel window closes once shipped
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},

		// terminal states stay terminal
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusProcessing, false},
		{OrderStatusDelivered, OrderStatusDelivered, false},

		// unknown statuses never transition
		{"UNKNOWN", OrderStatusProcessing, false},
		{OrderStatusPending, "UNKNOWN", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{
		OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled,
	} {
		assert.True(t, ValidStatus(s), s)
	}
	assert.False(t, ValidStatus("PAID"))
	assert.False(t, ValidStatus(""))
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	notFound := &ProductNotFoundError{ProductID: 42}
	assert.True(t, errors.Is(notFound, ErrProductNotFound))
	assert.Contains(t, notFound.Error(), "42")

	stock := &InsufficientStockError{ProductID: 7, Available: 1, Requested: 3}
	assert.True(t, errors.Is(stock, ErrInsufficientStock))
	assert.Contains(t, stock.Error(), "available=1")
	assert.Contains(t, stock.Error(), "requested=3")

	var asStock *InsufficientStockError
	wrapped := fmt.Errorf("checkout failed: %w", stock)
	assert.True(t, errors.As(wrapped, &asStock))
	assert.Equal(t, int64(7), asStock.ProductID)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransactionAborted))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrStorageUnavailable)))
	assert.False(t, IsRetryable(ErrInsufficientStock))
	assert.False(t, IsRetryable(ErrEmptyCart))
	assert.False(t, IsRetryable(nil))
}
