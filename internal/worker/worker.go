package worker

import (
	"context"
	"log"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CacheWorker consumes order events and evicts affected products from the
// snapshot cache, so advisory validation reads converge on post-checkout
// stock. Safe to run on every instance; eviction is idempotent.
type CacheWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	cache        *redisclient.Client
	logger       *zap.Logger
}

// NewCacheWorker creates a new cache invalidation worker
func NewCacheWorker(consumer *broker.Consumer, cache *redisclient.Client) *CacheWorker {
	w := &CacheWorker{
		consumer: consumer,
		cache:    cache,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderCreated(w.handleOrderCreated)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *CacheWorker) Start(ctx context.Context) error {
	log.Println("Starting cache invalidation worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CacheWorker) Stop() error {
	log.Println("Stopping cache invalidation worker...")
	return w.consumer.Close()
}

func (w *CacheWorker) handleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	productIDs := make([]int64, 0, len(event.Items))
	for _, item := range event.Items {
		productIDs = append(productIDs, item.ProductID)
	}

	if err := w.cache.InvalidateProducts(ctx, productIDs...); err != nil {
		w.logger.Error("Failed to invalidate products from event",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		return err
	}

	w.logger.Debug("Evicted products after order",
		zap.Int64("order_id", event.OrderID),
		zap.Int("products", len(productIDs)))
	return nil
}
