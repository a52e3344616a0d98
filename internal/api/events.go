package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/app"
)

// Snapshots is where the event stream reads state changes from.
type Snapshots interface {
	Subscribe() <-chan app.State
	Unsubscribe(ch <-chan app.State)
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams a state message on every change, starting with the
// current state.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates := h.snapshots.Subscribe()
	defer h.snapshots.Unsubscribe(updates)

	// Reader loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(state app.State) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(newStateResponse(state)); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	if !send(h.console.State()) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case state, ok := <-updates:
			if !ok || !send(state) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
