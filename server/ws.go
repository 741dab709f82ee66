package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"propradar/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// handleWebSocket bridges one websocket client to the event publisher.
// The client must answer each pong event with {"type":"pong"} or the
// publisher evicts it after the miss limit.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	eventType := realtime.EventAny
	if t := r.URL.Query().Get("type"); t != "" {
		eventType = realtime.EventType(t)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Warning: websocket upgrade: %v", err)
		return
	}

	sub := s.publisher.Subscribe(eventType)
	defer sub.Cancel()
	defer conn.Close()

	go s.readPump(conn, sub)
	s.writePump(conn, sub)
}

// readPump consumes client messages. Pong acks are the only message the
// client sends; everything else is ignored.
func (s *Server) readPump(conn *websocket.Conn, sub *realtime.Subscription) {
	defer sub.Cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "pong" {
			sub.AckHeartbeat()
		}
	}
}

// writePump forwards published events until the subscription closes,
// which happens on Cancel or heartbeat eviction.
func (s *Server) writePump(conn *websocket.Conn, sub *realtime.Subscription) {
	for event := range sub.C {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat missed"))
}
