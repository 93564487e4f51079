package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/voyagen/channelvault/internal/broadcast"
)

const wsWriteTimeout = 10 * time.Second

// serveTopic upgrades the request to a websocket and streams the topic's
// messages to it until either side goes away.
func (s *Server) serveTopic(t *broadcast.Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The server's write timeout would otherwise cut long-lived connections.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		_ = rc.SetReadDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.WarnContext(r.Context(), "websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		sub, unsubscribe := t.Subscribe()
		defer unsubscribe()
		slog.DebugContext(r.Context(), "websocket subscriber connected", "path", r.URL.Path, "subscribers", t.Subscribers())

		// Clients only listen; CloseRead handles their control frames.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if err := write(ctx, conn, msg); err != nil {
					if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
						slog.DebugContext(r.Context(), "websocket write", "error", err)
					}
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
