package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// statusInterval is how often session snapshots are pushed to status
// websocket clients.
const statusInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves a LAN camera; cross-origin dashboards are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS pushes a session snapshot to the client every second
// until the client goes away.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.config.Registry.List()); err != nil {
				return
			}
		}
	}
}
