package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"credify/services/orders"
)

// StatusUpdate is pushed to stream subscribers when an order changes.
type StatusUpdate struct {
	OrderRef  string        `json:"orderRef"`
	OrderID   string        `json:"orderId,omitempty"`
	Status    orders.Status `json:"status"`
	Event     string        `json:"event,omitempty"`
	Sequence  uint64        `json:"sequence,omitempty"`
	TxHash    string        `json:"txHash,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

const defaultSubscriberBuffer = 32

// StatusHub fans order status updates out to per-order subscribers. Slow
// subscribers lose their oldest pending updates rather than blocking the
// watcher.
type StatusHub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *hubMetrics
}

// NewStatusHub constructs a hub whose subscribers buffer up to buffer
// updates each.
func NewStatusHub(buffer int) *StatusHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &StatusHub{
		subs:    make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: sharedHubMetrics(),
	}
}

// Subscription receives the updates for one order reference.
type Subscription struct {
	hub      *StatusHub
	orderRef string

	mu     sync.Mutex
	ring   queueRing[StatusUpdate]
	notify chan struct{}
}

// Subscribe registers interest in orderRef. Callers must Close the
// subscription.
func (h *StatusHub) Subscribe(orderRef string) *Subscription {
	sub := &Subscription{
		hub:      h,
		orderRef: orderRef,
		ring:     newQueueRing[StatusUpdate](h.buffer),
		notify:   make(chan struct{}, 1),
	}
	h.mu.Lock()
	set, ok := h.subs[orderRef]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[orderRef] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribers reports how many subscriptions are open for orderRef.
func (h *StatusHub) Subscribers(orderRef string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderRef])
}

// Publish delivers update to every subscriber of its order.
func (h *StatusHub) Publish(update StatusUpdate) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[update.OrderRef]))
	for sub := range h.subs[update.OrderRef] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(update)
	}
	h.metrics.recordPublished(len(targets))
}

func (s *Subscription) deliver(update StatusUpdate) {
	s.mu.Lock()
	if _, dropped := s.ring.push(update); dropped {
		s.hub.metrics.recordDropped("overflow", 1)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an update is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (StatusUpdate, bool) {
	for {
		s.mu.Lock()
		update, ok := s.ring.pop()
		s.mu.Unlock()
		if ok {
			return update, true
		}
		select {
		case <-ctx.Done():
			return StatusUpdate{}, false
		case <-s.notify:
		}
	}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.orderRef]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.orderRef)
		}
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{
		buf: make([]T, capacity),
	}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

var (
	hubMetricsOnce sync.Once
	hubMetricsInst *hubMetrics
)

type hubMetrics struct {
	published metric.Int64Counter
	dropped   metric.Int64Counter
}

func sharedHubMetrics() *hubMetrics {
	hubMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("credify/escrow-gateway")
		published, err := meter.Int64Counter("credify.gateway.status_updates")
		if err != nil {
			published, _ = noop.NewMeterProvider().Meter("credify/escrow-gateway").Int64Counter("credify.gateway.status_updates")
		}
		dropped, err := meter.Int64Counter("credify.gateway.status_updates.dropped")
		if err != nil {
			dropped, _ = noop.NewMeterProvider().Meter("credify/escrow-gateway").Int64Counter("credify.gateway.status_updates.dropped")
		}
		hubMetricsInst = &hubMetrics{published: published, dropped: dropped}
	})
	return hubMetricsInst
}

func (m *hubMetrics) recordPublished(subscribers int) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("delivered", subscribers > 0)))
}

func (m *hubMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
