package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the storage handle the checkout service is constructed with.
// *store.Store implements it; tests provide fakes.
type OrderStore interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	CreateOrderTx(ctx context.Context, userID int64, lines []models.CartLine, shippingAddress, idempotencyKey string, trackStock bool) (*models.Order, []models.OrderItem, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemViews(ctx context.Context, orderID int64) ([]models.OrderItemView, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to string) error
}

// ProductCache caches product snapshots for the advisory validation read.
// *redisclient.Client implements it.
type ProductCache interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	SetProduct(ctx context.Context, product *models.Product) error
	InvalidateProducts(ctx context.Context, productIDs ...int64) error
}

// EventPublisher publishes order lifecycle events after commit.
// *broker.EventPublisher implements it.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// Config carries the business toggles for the checkout path.
type Config struct {
	// TrackStock enables stock checks and decrements. When false the
	// persistence stage skips both and insufficient-stock failures cannot
	// occur.
	TrackStock bool

	// CheckoutTimeout bounds a single checkout call. Zero means no bound
	// beyond the caller's context. A timed-out transaction rolls back and
	// surfaces as a retryable failure.
	CheckoutTimeout time.Duration
}

// CheckoutService owns the cart-to-order conversion path: it validates and
// prices a proposed cart against the live catalog, persists the order
// atomically, and serves the order query surface.
type CheckoutService struct {
	store     OrderStore
	cache     ProductCache
	publisher EventPublisher
	cfg       Config
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(store OrderStore, cache ProductCache, publisher EventPublisher, cfg Config) *CheckoutService {
	return &CheckoutService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID          int64             `json:"user_id" binding:"required"`
	Items           []models.CartLine `json:"items" binding:"required,min=1,dive"`
	ShippingAddress string            `json:"shipping_address" binding:"required"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
}

// CreateOrder converts a proposed cart into a persisted order. Validation and
// pricing run first against cached catalog snapshots; the persistence
// transaction then re-checks everything under row locks, so the advisory pass
// only exists to fail fast and never decides the outcome.
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.OrderView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateOrder")
	defer span.End()

	if s.cfg.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			util.CheckoutDuplicateTotal.Inc()
			s.logger.Info("Duplicate checkout request",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return s.orderView(ctx, existing)
		}
	}

	products, _, err := s.ValidateCart(ctx, req.Items)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	order, items, err := s.store.CreateOrderTx(ctx, req.UserID, req.Items,
		req.ShippingAddress, req.IdempotencyKey, s.cfg.TrackStock)
	if errors.Is(err, models.ErrDuplicateCheckout) {
		// Lost the insert race on the idempotency key; the winner's order is
		// committed, so answer with it.
		existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to resolve duplicate checkout: %w", lookupErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %v", models.ErrTransactionAborted, err)
		}
		util.CheckoutDuplicateTotal.Inc()
		s.logger.Info("Duplicate checkout request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		return s.orderView(ctx, existing)
	}
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.Int64("total_amount", order.TotalAmount))

	if s.cfg.TrackStock {
		// Only products with tracked stock were decremented; untracked
		// snapshots are unchanged and can stay cached.
		decremented := make([]int64, 0, len(products))
		for id, p := range products {
			if p.Stock != nil {
				decremented = append(decremented, id)
			}
		}
		if len(decremented) > 0 {
			util.StockDecrementsTotal.Add(float64(len(decremented)))
			if err := s.cache.InvalidateProducts(ctx, decremented...); err != nil {
				s.logger.Warn("Failed to invalidate product cache", zap.Error(err))
			}
		}
	}

	s.publishOrderCreated(ctx, order, items)

	return s.viewFromCreated(order, items, products), nil
}

// ValidateCart re-resolves every cart line against the catalog and computes
// the authoritative total in cents. It performs no writes and is a pure
// function of the cart and the catalog snapshot, so it is safe to retry. The
// returned map holds the resolved products keyed by id.
func (s *CheckoutService) ValidateCart(ctx context.Context, lines []models.CartLine) (map[int64]*models.Product, int64, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ValidateCart")
	defer span.End()

	if len(lines) == 0 {
		return nil, 0, models.ErrEmptyCart
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: product %d requested %d",
				models.ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
	}

	products, err := s.resolveProducts(ctx, lines)
	if err != nil {
		return nil, 0, err
	}

	// Stock is checked against the summed quantity per product so a cart with
	// two lines of the same product cannot slip past the per-line check. With
	// tracking disabled stock never constrains a checkout.
	if s.cfg.TrackStock {
		requested := make(map[int64]int64, len(lines))
		for _, line := range lines {
			requested[line.ProductID] += line.Quantity
		}
		for id, qty := range requested {
			p := products[id]
			if p.Stock != nil && *p.Stock < qty {
				return nil, 0, &models.InsufficientStockError{
					ProductID: id,
					Available: *p.Stock,
					Requested: qty,
				}
			}
		}
	}

	var total int64
	for _, line := range lines {
		total += products[line.ProductID].Price * line.Quantity
	}
	return products, total, nil
}

// resolveProducts looks up every distinct product in the cart, serving from
// the snapshot cache where possible and falling back to a single batch read
// for the misses.
func (s *CheckoutService) resolveProducts(ctx context.Context, lines []models.CartLine) (map[int64]*models.Product, error) {
	products := make(map[int64]*models.Product, len(lines))
	var missing []int64

	for _, line := range lines {
		if _, ok := products[line.ProductID]; ok {
			continue
		}
		cached, err := s.cache.GetProduct(ctx, line.ProductID)
		if err == nil {
			util.ProductCacheHitsTotal.Inc()
			products[line.ProductID] = cached
			continue
		}
		if !errors.Is(err, redisclient.ErrCacheMiss) {
			s.logger.Warn("Product cache read failed",
				zap.Int64("product_id", line.ProductID), zap.Error(err))
		}
		util.ProductCacheMissesTotal.Inc()
		missing = append(missing, line.ProductID)
	}

	if len(missing) > 0 {
		fetched, err := s.store.GetProductsByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i := range fetched {
			p := fetched[i]
			products[p.ID] = &p
			if err := s.cache.SetProduct(ctx, &p); err != nil {
				s.logger.Warn("Product cache write failed",
					zap.Int64("product_id", p.ID), zap.Error(err))
			}
		}
		for _, id := range missing {
			if _, ok := products[id]; !ok {
				return nil, &models.ProductNotFoundError{ProductID: id}
			}
		}
	}

	return products, nil
}

// GetOrder retrieves an order with its items and product display snapshots.
func (s *CheckoutService) GetOrder(ctx context.Context, orderID int64) (*models.OrderView, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.orderView(ctx, order)
}

// ListOrders retrieves all orders for a user, newest first, with nested items.
func (s *CheckoutService) ListOrders(ctx context.Context, userID int64) ([]models.OrderView, error) {
	orders, err := s.store.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]models.OrderView, 0, len(orders))
	for i := range orders {
		view, err := s.orderView(ctx, &orders[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// UpdateOrderStatus moves an order through the status machine. Transitions are
// monotonic; the store re-checks the current status so racing transitions
// cannot both apply.
func (s *CheckoutService) UpdateOrderStatus(ctx context.Context, orderID int64, to string) error {
	if !models.ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidTransition, to)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, to)
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID, order.Status, to); err != nil {
		return err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(to).Inc()
	s.logger.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", order.Status),
		zap.String("to", to))

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:    orderID,
		FromStatus: order.Status,
		ToStatus:   to,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return nil
}

func (s *CheckoutService) publishOrderCreated(ctx context.Context, order *models.Order, items []models.OrderItem) {
	itemData := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
	}

	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

// orderView loads the item views for an order from the store.
func (s *CheckoutService) orderView(ctx context.Context, order *models.Order) (*models.OrderView, error) {
	items, err := s.store.GetOrderItemViews(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &models.OrderView{Order: *order, Items: items}, nil
}

// viewFromCreated builds the response view for a freshly created order from
// the rows the transaction returned, snapshotting display fields from the
// already-resolved products instead of re-reading the store.
func (s *CheckoutService) viewFromCreated(order *models.Order, items []models.OrderItem, products map[int64]*models.Product) *models.OrderView {
	views := make([]models.OrderItemView, 0, len(items))
	for _, item := range items {
		view := models.OrderItemView{OrderItem: item}
		if p, ok := products[item.ProductID]; ok {
			name, image := p.Name, p.ImageURL
			view.ProductName = &name
			view.ProductImage = &image
		}
		views = append(views, view)
	}
	return &models.OrderView{Order: *order, Items: views}
}

// failureReason buckets checkout errors for the failure counter.
func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, models.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, models.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrTransactionAborted):
		return "transaction_aborted"
	case errors.Is(err, models.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
