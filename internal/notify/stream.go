package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// StreamHandler upgrades the request to a websocket and streams bus events
// as JSON text frames until either side goes away. The optional "owner"
// query parameter restricts the stream to one owner's events.
func StreamHandler(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		events, cancel := bus.Subscribe(r.URL.Query().Get("owner"), 64)
		defer cancel()

		// Client frames are ignored; CloseRead cancels ctx when the peer closes.
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("encoding event", "event", ev.Name, "error", err)
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					return
				}
			}
		}
	}
}
