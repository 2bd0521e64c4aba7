package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// API clients authenticate with the bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRunEvents streams one run's lifecycle events over a WebSocket. Past
// events are replayed first; the socket closes after the terminal event.
func handleRunEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		events, cancel, ok := deps.Orchestrator.Events().Subscribe(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no event stream for run %s", id)
			return
		}
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "run_id", id, "error", err)
			return
		}
		defer conn.Close()

		// Drain client frames so close and pong messages are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, open := <-events:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if !open {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					slog.Debug("websocket write failed", "run_id", id, "error", err)
					return
				}
			}
		}
	}
}
