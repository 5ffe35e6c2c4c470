package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/distill/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// handleEvents upgrades to a WebSocket and streams the owner's status
// events until the client goes away or its queue is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "owner query parameter is required"})
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream unavailable"})
		return
	}

	sub, err := s.events.Subscribe(owner)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, events.ErrManagerClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	defer s.events.Unsubscribe(owner, sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "owner_id", owner, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("owner_id", owner, "subscription_id", sub.ID())
	logger.Debug("event stream opened")

	pongWait := 2 * s.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only send control frames; the read loop notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Pruned or manager closed.
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				logger.Debug("event stream closed by server")
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		}
	}
}
