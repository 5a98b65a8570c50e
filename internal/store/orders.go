package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"checkout-service/internal/models"
)

// lockedProduct is the slice of product state read under FOR UPDATE during
// checkout.
type lockedProduct struct {
	ID    int64  `db:"id"`
	Price int64  `db:"price"`
	Stock *int64 `db:"stock"`
}

// CreateOrderTx persists an order atomically. Inside a single transaction it
// re-reads every referenced product under a row lock, re-checks stock, inserts
// the order header and items with the locked price, and (when trackStock is
// set) decrements stock. Any failure rolls the whole transaction back.
//
// The locked read is the authoritative one: prices and stock seen by the
// earlier advisory validation pass are recomputed here, so two checkouts
// racing for the last unit serialize on the product row and at most one
// commits.
func (s *Store) CreateOrderTx(ctx context.Context, userID int64, lines []models.CartLine, shippingAddress, idempotencyKey string, trackStock bool) (*models.Order, []models.OrderItem, error) {
	if len(lines) == 0 {
		return nil, nil, models.ErrEmptyCart
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, mapStorageError(err)
	}
	defer tx.Rollback()

	// Lock rows in product-id order so concurrent multi-line checkouts cannot
	// deadlock against each other.
	sorted := make([]models.CartLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	locked := make(map[int64]lockedProduct, len(sorted))
	lockOrder := make([]int64, 0, len(sorted))
	for _, line := range sorted {
		if _, ok := locked[line.ProductID]; ok {
			continue
		}
		var p lockedProduct
		err := tx.GetContext(ctx, &p,
			"SELECT id, price, stock FROM products WHERE id = $1 FOR UPDATE", line.ProductID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, &models.ProductNotFoundError{ProductID: line.ProductID}
		}
		if err != nil {
			return nil, nil, mapStorageError(err)
		}
		locked[line.ProductID] = p
		lockOrder = append(lockOrder, line.ProductID)
	}

	// Stock is checked against the summed quantity per product; the cart may
	// carry the same product on more than one line.
	requested := make(map[int64]int64, len(lines))
	var totalAmount int64
	for _, line := range lines {
		requested[line.ProductID] += line.Quantity
		totalAmount += locked[line.ProductID].Price * line.Quantity
	}
	if trackStock {
		for _, id := range lockOrder {
			p := locked[id]
			qty := requested[id]
			if p.Stock != nil && *p.Stock < qty {
				return nil, nil, &models.InsufficientStockError{
					ProductID: id,
					Available: *p.Stock,
					Requested: qty,
				}
			}
		}
	}

	order := &models.Order{
		UserID:          userID,
		Status:          models.OrderStatusPending,
		TotalAmount:     totalAmount,
		ShippingAddress: shippingAddress,
		IdempotencyKey:  idempotencyKey,
	}

	// The partial unique index on non-empty idempotency_key makes the insert
	// the arbiter: of two concurrent checkouts carrying the same key, the
	// loser fails here with a unique violation and no stock is touched twice.
	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (user_id, status, total_amount, shipping_address, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		order.UserID, order.Status, order.TotalAmount, order.ShippingAddress, order.IdempotencyKey)
	if err != nil {
		if idempotencyKey != "" && isUniqueViolation(err) {
			return nil, nil, models.ErrDuplicateCheckout
		}
		return nil, nil, mapStorageError(err)
	}

	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		item := models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: locked[line.ProductID].Price,
		}
		err := tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, nil, mapStorageError(err)
		}
		items = append(items, item)
	}

	if trackStock {
		for _, id := range lockOrder {
			p := locked[id]
			if p.Stock == nil {
				continue
			}
			qty := requested[id]
			res, err := tx.ExecContext(ctx, `
				UPDATE products SET stock = stock - $1, updated_at = NOW()
				WHERE id = $2 AND stock >= $1`,
				qty, id)
			if err != nil {
				return nil, nil, mapStorageError(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, nil, mapStorageError(err)
			}
			if affected == 0 {
				// The guard refused to drive stock negative.
				return nil, nil, &models.InsufficientStockError{
					ProductID: id,
					Available: *p.Stock,
					Requested: qty,
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapStorageError(err)
	}
	return order, items, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, or nil when
// no order carries the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return orders, nil
}

// GetOrderItemViews retrieves the items of an order joined with a display
// snapshot of the referenced products. The join is LEFT so items survive
// product deletion.
func (s *Store) GetOrderItemViews(ctx context.Context, orderID int64) ([]models.OrderItemView, error) {
	var items []models.OrderItemView
	err := s.db.SelectContext(ctx, &items, `
		SELECT oi.id, oi.order_id, oi.product_id, oi.quantity, oi.unit_price,
		       p.name AS product_name, p.image_url AS product_image
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`, orderID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return items, nil
}

// UpdateOrderStatus moves an order from one status to another. The WHERE
// clause re-checks the current status so concurrent transitions (a staff ship
// racing a customer cancel) cannot both apply.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return mapStorageError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapStorageError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %d is not %s", models.ErrInvalidTransition, orderID, from)
	}
	return nil
}
