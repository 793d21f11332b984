package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// handleOrderStream pushes the order's current status followed by every
// change until the escrow settles or the client goes away.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	sub := s.hub.Subscribe(ref)
	defer sub.Close()

	order, err := s.store.Get(r.Context(), ref)
	if err != nil {
		s.writeOrder(w, nil, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	current := StatusUpdate{
		OrderRef:  order.OrderRef,
		OrderID:   order.EscrowID,
		Status:    order.Status,
		TxHash:    order.TxHash,
		UpdatedAt: order.UpdatedAt,
	}
	if err := s.streamStatus(ctx, conn, sub, current); err != nil && !errors.Is(err, context.Canceled) {
		if websocket.CloseStatus(err) == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamStatus(ctx context.Context, conn *websocket.Conn, sub *Subscription, current StatusUpdate) error {
	if err := writeUpdate(ctx, conn, current); err != nil {
		return err
	}
	last := current.Status
	for !last.Settled() {
		update, ok := sub.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if update.Status == last && update.Event == "" {
			continue
		}
		if err := writeUpdate(ctx, conn, update); err != nil {
			return err
		}
		last = update.Status
	}
	return nil
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
