package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// StreamHandler serves the bus as a WebSocket stream of JSON events.
// An optional ?source= query parameter filters by source.
func StreamHandler(b *Bus, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			logger.Debug("event stream upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		source := r.URL.Query().Get("source")
		ch := b.Subscribe(streamBuffer)
		defer b.Unsubscribe(ch)

		logger.Info("event stream connected", "remote", r.RemoteAddr, "source", source)

		// The read side only exists to notice the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				logger.Info("event stream disconnected", "remote", r.RemoteAddr)
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case e, ok := <-ch:
				if !ok {
					return
				}
				if source != "" && e.Source != source {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(e); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						logger.Warn("event stream write failed", "error", err)
					}
					return
				}
			}
		}
	})
}
