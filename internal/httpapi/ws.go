package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagecast/stagecast/internal/protocol"
)

// handleRelayWS bridges one websocket connection onto the relay hub. The
// writer goroutine is the only websocket writer; the read loop parses frames
// and publishes them, leaving routing decisions to the hub.
func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	label := r.URL.Query().Get("client")
	if label == "" {
		label = "websocket"
	}
	client := s.hub.Attach(label)
	defer client.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for evt := range client.Events() {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		evt, err := protocol.Parse(data)
		if err != nil {
			// Malformed frames are the sender's problem; drop and keep the
			// connection alive.
			continue
		}
		client.Publish(evt)
	}

	client.Close()
	<-writerDone
}
