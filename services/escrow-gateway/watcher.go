package main

import (
	"context"
	"log/slog"
	"time"

	"credify/core/types"
	"credify/native/escrow"
	"credify/rpc"
	"credify/services/orders"
)

const watcherCursor = "escrow-events"

// EventSource is the slice of the node client the watcher reads from.
type EventSource interface {
	EventsSince(ctx context.Context, after uint64, limit int) (*rpc.EventsResult, error)
}

// EventWatcher follows the ledger event log and applies escrow events to the
// order mapping. Its position survives restarts through the store's cursor.
type EventWatcher struct {
	node         EventSource
	store        *orders.Store
	hub          *StatusHub
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node EventSource, store *orders.Store, hub *StatusHub, logger *slog.Logger) *EventWatcher {
	if hub == nil {
		hub = NewStatusHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		hub:          hub,
		logger:       logger,
		pollInterval: 2 * time.Second,
		batchSize:    100,
	}
}

// Run polls until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			more, err := w.Poll(ctx)
			if err != nil {
				w.logger.Warn("watcher poll failed", slog.String("error", err.Error()))
				break
			}
			if !more {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads one batch after the persisted cursor and applies it. It
// reports whether a full batch was read, meaning more events may be waiting.
func (w *EventWatcher) Poll(ctx context.Context) (bool, error) {
	after, err := w.store.Cursor(ctx, watcherCursor)
	if err != nil {
		return false, err
	}
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	result, err := w.node.EventsSince(ctx, after, batch)
	if err != nil {
		return false, err
	}
	last := after
	for _, evt := range result.Events {
		if evt.Sequence <= last {
			continue
		}
		if err := w.handleEvent(ctx, evt); err != nil {
			// Persist progress up to the failing event so it is retried
			// alone on the next poll.
			if last > after {
				_ = w.store.SetCursor(ctx, watcherCursor, last)
			}
			return false, err
		}
		last = evt.Sequence
	}
	if last > after {
		if err := w.store.SetCursor(ctx, watcherCursor, last); err != nil {
			return false, err
		}
	}
	return len(result.Events) >= batch, nil
}

func statusForEvent(eventType string) (orders.Status, bool) {
	switch eventType {
	case escrow.EventTypeOrderCreated:
		return orders.StatusCreated, true
	case escrow.EventTypeOrderReleased:
		return orders.StatusReleased, true
	case escrow.EventTypeOrderRefunded:
		return orders.StatusRefunded, true
	default:
		return "", false
	}
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt types.LoggedEvent) error {
	status, ok := statusForEvent(evt.Type)
	if !ok {
		return nil
	}
	createdAt := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		createdAt = time.Now().UTC()
	}
	order, err := w.store.ApplyEvent(ctx, orders.OrderEvent{
		Sequence:  evt.Sequence,
		OrderRef:  evt.Attributes["orderRef"],
		EscrowID:  evt.Attributes["orderId"],
		Type:      evt.Type,
		TxHash:    evt.TxHash,
		Height:    evt.Height,
		CreatedAt: createdAt,
	}, status, evt.Attributes)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	w.logger.Info("order status updated",
		slog.String("orderRef", order.OrderRef),
		slog.String("orderId", order.EscrowID),
		slog.String("status", string(order.Status)),
		slog.Uint64("sequence", evt.Sequence))
	w.hub.Publish(StatusUpdate{
		OrderRef:  order.OrderRef,
		OrderID:   order.EscrowID,
		Status:    order.Status,
		Event:     evt.Type,
		Sequence:  evt.Sequence,
		TxHash:    evt.TxHash,
		UpdatedAt: order.UpdatedAt,
	})
	return nil
}
