package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// Payload is the shape pushed to every connected dashboard client.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("admin: ws upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
}

// pump fans every broadcast payload out to all connected clients, dropping
// any that error (mirroring handleMessages).
func (s *Server) pump() {
	for msg := range s.broadcast {
		s.mu.Lock()
		for c := range s.clients {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				delete(s.clients, c)
			}
		}
		s.mu.Unlock()
	}
}

// pushLog is the wire.Logger sink: every emitted log line is broadcast
// to the dashboard as a "log" payload.
func (s *Server) pushLog(line string) {
	msg, err := json.Marshal(Payload{Kind: "log", Body: line})
	if err != nil {
		return
	}
	select {
	case s.broadcast <- msg:
	default:
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
