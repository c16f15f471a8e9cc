package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dshills/suitegraph/channel"
)

// unknownSequence acknowledges a frame whose sequence could not be read.
const unknownSequence int64 = -1

const socketWriteTimeout = 10 * time.Second

// Ack answers one socket frame. Error is empty when the message was accepted.
type Ack struct {
	Sequence int64  `json:"sequence"`
	Error    string `json:"error,omitempty"`
}

// socketConn serializes writes to one connection.
type socketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *socketConn) ack(a Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return c.conn.WriteJSON(a)
}

// serveSocket reads one message per frame. Delivery happens in frame order;
// waiting for listeners happens off the read loop so a buffered message cannot
// hold back the frame that fills its gap.
func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}
	conn := &socketConn{conn: ws}
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = ws.Close()
	}()

	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("socket closed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := h.dec.decode(frame)
		if err != nil {
			h.logger.Error("socket message rejected", zap.Error(err))
			_ = conn.ack(Ack{Sequence: sequenceOf(frame), Error: err.Error()})
			continue
		}
		receipt, err := h.ch.Deliver(ctx, msg)
		if err != nil {
			h.logger.Error("socket message rejected", zap.Error(err))
			_ = conn.ack(Ack{Sequence: msg.Sequence, Error: err.Error()})
			if errors.Is(err, channel.ErrProtocolViolation) {
				closing := websocket.FormatCloseMessage(websocket.CloseProtocolError, "protocol violation")
				_ = ws.WriteControl(websocket.CloseMessage, closing, time.Now().Add(socketWriteTimeout))
				return
			}
			continue
		}
		if !h.ch.ShouldWait(msg) {
			if err := conn.ack(Ack{Sequence: msg.Sequence}); err != nil {
				return
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a := Ack{Sequence: receipt.Sequence}
			if err := receipt.Wait(ctx); err != nil {
				a.Error = err.Error()
			}
			_ = conn.ack(a)
		}()
	}
}

// sequenceOf reads the sequence of a frame that failed validation, if any.
func sequenceOf(frame []byte) int64 {
	var probe struct {
		Sequence *int64 `json:"sequence"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || probe.Sequence == nil {
		return unknownSequence
	}
	return *probe.Sequence
}
