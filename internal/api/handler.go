package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.CheckoutService) *Handler {
	return &Handler{
		checkout: checkout,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles checkout requests
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.checkout.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// listOrders handles listing a user's orders
func (h *Handler) listOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Missing or invalid user_id",
		})
		return
	}

	orders, err := h.checkout.ListOrders(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order ID",
		})
		return
	}

	order, err := h.checkout.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// updateOrderStatus handles staff status transitions
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order ID",
		})
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.checkout.UpdateOrderStatus(c.Request.Context(), orderID, req.Status); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": req.Status})
}

// writeError maps domain errors onto HTTP responses. Driver-level details stay
// in the logs; clients see the error kind and a human-readable message.
func writeError(c *gin.Context, err error) {
	var status int
	var kind string

	switch {
	case errors.Is(err, models.ErrEmptyCart):
		status, kind = http.StatusBadRequest, "empty_cart"
	case errors.Is(err, models.ErrInvalidQuantity):
		status, kind = http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, models.ErrProductNotFound):
		status, kind = http.StatusUnprocessableEntity, "product_not_found"
	case errors.Is(err, models.ErrInsufficientStock):
		status, kind = http.StatusConflict, "insufficient_stock"
	case errors.Is(err, models.ErrOrderNotFound):
		status, kind = http.StatusNotFound, "order_not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case models.IsRetryable(err):
		status, kind = http.StatusServiceUnavailable, "temporarily_unavailable"
	default:
		status, kind = http.StatusInternalServerError, "internal_error"
	}

	body := gin.H{"error": kind, "message": publicMessage(err, kind)}
	if models.IsRetryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

// publicMessage returns a client-safe message. Typed domain errors carry their
// own text; everything else gets a generic message so storage internals never
// leak.
func publicMessage(err error, kind string) string {
	var notFound *models.ProductNotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}
	var stock *models.InsufficientStockError
	if errors.As(err, &stock) {
		return stock.Error()
	}

	switch kind {
	case "empty_cart":
		return "Cart has no lines"
	case "invalid_quantity":
		return "Quantities must be at least 1"
	case "order_not_found":
		return "Order not found"
	case "invalid_transition":
		return "Order status cannot change that way"
	case "temporarily_unavailable":
		return "Temporarily unavailable, please retry"
	default:
		return "Something went wrong"
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
