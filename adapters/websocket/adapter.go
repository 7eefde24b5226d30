package websocket

import (
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"secupoints/core"
	"secupoints/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	bufferSize = 256
)

// Handler returns an http.Handler that upgrades to WebSocket and streams
// engine events from the hub. A `user` query parameter limits the stream to
// that user's events plus global ones.
func Handler(hub *realtime.Hub) http.Handler {
	return HandlerWithLogger(hub, slog.Default())
}

func HandlerWithLogger(hub *realtime.Hub, log *slog.Logger) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var filter realtime.Filter
		if user := r.URL.Query().Get("user"); user != "" {
			id, err := core.NormalizeUserID(core.UserID(user))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter = realtime.ForUser(id)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		id, ch := hub.SubscribeFiltered(bufferSize, filter)
		defer hub.Unsubscribe(id)

		// drain client frames so pongs and close frames are processed
		closed := make(chan struct{})
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
