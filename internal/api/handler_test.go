package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is a minimal in-memory service.OrderStore for handler tests.
type memStore struct {
	mu       sync.Mutex
	products map[int64]models.Product
	orders   map[int64]*models.Order
	items    map[int64][]models.OrderItem
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[int64]models.Product),
		orders:   make(map[int64]*models.Order),
		items:    make(map[int64][]models.OrderItem),
	}
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) CreateOrderTx(ctx context.Context, userID int64, lines []models.CartLine, shippingAddress, idempotencyKey string, trackStock bool) (*models.Order, []models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, line := range lines {
		p, ok := m.products[line.ProductID]
		if !ok {
			return nil, nil, &models.ProductNotFoundError{ProductID: line.ProductID}
		}
		if trackStock && p.Stock != nil && *p.Stock < line.Quantity {
			return nil, nil, &models.InsufficientStockError{
				ProductID: line.ProductID, Available: *p.Stock, Requested: line.Quantity,
			}
		}
		total += p.Price * line.Quantity
	}

	m.nextID++
	order := &models.Order{
		ID:          m.nextID,
		UserID:      userID,
		Status:      models.OrderStatusPending,
		TotalAmount: total,
	}
	m.orders[order.ID] = order

	var items []models.OrderItem
	for _, line := range lines {
		items = append(items, models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: m.products[line.ProductID].Price,
		})
	}
	m.items[order.ID] = items

	o := *order
	return &o, items, nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	o := *order
	return &o, nil
}

func (m *memStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return nil, nil
}

func (m *memStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) GetOrderItemViews(ctx context.Context, orderID int64) ([]models.OrderItemView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderItemView
	for _, item := range m.items[orderID] {
		out = append(out, models.OrderItemView{OrderItem: item})
	}
	return out, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, orderID int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if order.Status != from {
		return fmt.Errorf("%w: order %d is not %s", models.ErrInvalidTransition, orderID, from)
	}
	order.Status = to
	return nil
}

// missCache always misses, forcing the service to the store.
type missCache struct{}

func (missCache) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	return nil, redisclient.ErrCacheMiss
}
func (missCache) SetProduct(ctx context.Context, product *models.Product) error { return nil }
func (missCache) InvalidateProducts(ctx context.Context, productIDs ...int64) error {
	return nil
}

// nopPublisher drops events.
type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return nil
}
func (nopPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return nil
}

func newTestRouter(store *memStore) *gin.Engine {
	svc := service.NewCheckoutService(store, missCache{}, nopPublisher{}, service.Config{TrackStock: true})
	router := gin.New()
	NewHandler(svc).SetupRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func int64p(v int64) *int64 { return &v }

func TestCreateOrderEndpoint(t *testing.T) {
	store := newMemStore()
	store.products[1] = models.Product{ID: 1, Name: "Keyboard", Price: 1000, Stock: int64p(5)}
	router := newTestRouter(store)

	w := doJSON(t, router, http.MethodPost, "/api/v1/checkout", gin.H{
		"user_id":          42,
		"items":            []gin.H{{"product_id": 1, "quantity": 2}},
		"shipping_address": "1 Main St",
	})

	require.Equal(t, http.StatusCreated, w.Code)

	var view models.OrderView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, int64(2000), view.TotalAmount)
	assert.Equal(t, models.OrderStatusPending, view.Status)
	assert.Len(t, view.Items, 1)
}

func TestCreateOrderEndpointMalformedBody(t *testing.T) {
	router := newTestRouter(newMemStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestCreateOrderEndpointInsufficientStock(t *testing.T) {
	store := newMemStore()
	store.products[9] = models.Product{ID: 9, Name: "Scarce", Price: 1000, Stock: int64p(0)}
	router := newTestRouter(store)

	w := doJSON(t, router, http.MethodPost, "/api/v1/checkout", gin.H{
		"user_id":          42,
		"items":            []gin.H{{"product_id": 9, "quantity": 1}},
		"shipping_address": "1 Main St",
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_stock")
}

func TestCreateOrderEndpointUnknownProduct(t *testing.T) {
	router := newTestRouter(newMemStore())

	w := doJSON(t, router, http.MethodPost, "/api/v1/checkout", gin.H{
		"user_id":          42,
		"items":            []gin.H{{"product_id": 777, "quantity": 1}},
		"shipping_address": "1 Main St",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "product_not_found")
}

func TestGetOrderEndpointNotFound(t *testing.T) {
	router := newTestRouter(newMemStore())

	w := doJSON(t, router, http.MethodGet, "/api/v1/orders/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "order_not_found")
}

func TestGetOrderEndpointInvalidID(t *testing.T) {
	router := newTestRouter(newMemStore())

	w := doJSON(t, router, http.MethodGet, "/api/v1/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrdersEndpointRequiresUserID(t *testing.T) {
	router := newTestRouter(newMemStore())

	w := doJSON(t, router, http.MethodGet, "/api/v1/orders", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateOrderStatusEndpoint(t *testing.T) {
	store := newMemStore()
	store.products[1] = models.Product{ID: 1, Name: "Keyboard", Price: 1000, Stock: int64p(5)}
	router := newTestRouter(store)

	w := doJSON(t, router, http.MethodPost, "/api/v1/checkout", gin.H{
		"user_id":          42,
		"items":            []gin.H{{"product_id": 1, "quantity": 1}},
		"shipping_address": "1 Main St",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var view models.OrderView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	w = doJSON(t, router, http.MethodPatch, fmt.Sprintf("/api/v1/orders/%d/status", view.ID),
		gin.H{"status": models.OrderStatusProcessing})
	assert.Equal(t, http.StatusOK, w.Code)

	// jumping to DELIVERED skips SHIPPED
	w = doJSON(t, router, http.MethodPatch, fmt.Sprintf("/api/v1/orders/%d/status", view.ID),
		gin.H{"status": models.OrderStatusDelivered})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")
}
