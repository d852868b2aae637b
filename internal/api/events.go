package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
)

// events upgrades to a WebSocket and streams broadcaster events: the replay
// buffer first, then live events and heartbeats. The server pings the client
// every pingPeriod; a client that stops answering is dropped after pongWait.
// Messages from the client are read only to detect disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.sv.Broadcaster.Subscribe()
	defer s.sv.Broadcaster.Unsubscribe(sub.ID)
	s.logger.Debug("event subscriber connected", "id", sub.ID, "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("event subscriber disconnected", "id", sub.ID)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("event subscriber ping failed", "id", sub.ID, "error", err)
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				s.logger.Debug("event subscriber dropped", "id", sub.ID)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
