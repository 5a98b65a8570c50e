package models

import "time"

// Product represents a catalog product. Price and OriginalPrice are in cents.
// Stock is nil when inventory is not tracked for the product.
type Product struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Price         int64     `db:"price" json:"price"`
	OriginalPrice *int64    `db:"original_price" json:"original_price,omitempty"`
	Stock         *int64    `db:"stock" json:"stock,omitempty"`
	ImageURL      string    `db:"image_url" json:"image_url"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CartLine is one client-proposed (product, quantity) pair. Quantities are
// validated server-side; prices are never taken from this structure.
type CartLine struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int64 `json:"quantity" binding:"required"`
}

// Order represents a customer order. TotalAmount is in cents and is computed
// server-side at creation; it never changes afterwards.
type Order struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	Status          string    `db:"status" json:"status"`
	TotalAmount     int64     `db:"total_amount" json:"total_amount"`
	ShippingAddress string    `db:"shipping_address" json:"shipping_address"`
	IdempotencyKey  string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents one line of an order. UnitPrice is the product price
// frozen at order time; later catalog price changes do not touch it.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int64 `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// OrderItemView is an OrderItem joined with a display snapshot of the
// referenced product. The product columns are nullable because the product may
// have been deleted since the order was placed.
type OrderItemView struct {
	OrderItem
	ProductName  *string `db:"product_name" json:"product_name,omitempty"`
	ProductImage *string `db:"product_image" json:"product_image,omitempty"`
}

// OrderView is an Order with its items, as returned by the query surface.
type OrderView struct {
	Order
	Items []OrderItemView `json:"items"`
}

// DraftItem is a validated, priced line item that has not been persisted yet.
type DraftItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// Order statuses
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusCancelled  = "CANCELLED"
)

// statusRank orders the forward path of the status machine. Cancelled sits
// outside the ranking and is handled separately.
var statusRank = map[string]int{
	OrderStatusPending:    0,
	OrderStatusProcessing: 1,
	OrderStatusShipped:    2,
	OrderStatusDelivered:  3,
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s string) bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether an order may move from one status to the next.
// Transitions are monotonic: the forward path advances one step at a time, and
// only PENDING or PROCESSING orders may be cancelled. DELIVERED and CANCELLED
// are terminal.
func CanTransition(from, to string) bool {
	if from == OrderStatusDelivered || from == OrderStatusCancelled {
		return false
	}
	if to == OrderStatusCancelled {
		return from == OrderStatusPending || from == OrderStatusProcessing
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}
