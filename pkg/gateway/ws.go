package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/monitor"
)

// watchBuffer sizes the per-connection delta channel. A client that
// cannot drain it loses deltas; the snapshot message lets it resync.
const watchBuffer = 64

// ClientMessage is a control message sent by a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`          // subscribe, ping
	Types  []string `json:"types,omitempty"` // delta types to receive; empty means all
}

// serveWS upgrades the connection and streams graph deltas until the
// client disconnects. It is mounted on the raw http mux, not on gin:
// the upgrade has to hijack the connection, and gin's buffered writer
// refuses Hijack once the 101 response has been flushed.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.serveConn(r.Context(), conn)
}

type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	// filter is only touched from the read loop goroutine.
	filter map[string]bool
}

// serveConn runs one WebSocket session: snapshot first, then filtered
// deltas, with a read loop for client control messages. Blocks until the
// connection closes.
func (g *Gateway) serveConn(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	wc := &wsConn{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: g.opts.WriteTimeout,
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	watchID, deltas := g.graph.Watch(watchBuffer)
	defer g.graph.Unwatch(watchID)

	wc.sendJSON(ctx, map[string]any{
		"type":          "connection.established",
		"connection_id": wc.id,
	})
	wc.sendJSON(ctx, map[string]any{
		"type":     "snapshot",
		"snapshot": g.graph.Snapshot(),
	})

	// Filter updates flow from the read loop over a channel so the write
	// loop owns the filter without locking.
	filterCh := make(chan map[string]bool, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("Invalid WebSocket message", "connection_id", wc.id, "error", err)
				continue
			}
			switch msg.Action {
			case "subscribe":
				var f map[string]bool
				if len(msg.Types) > 0 {
					f = make(map[string]bool, len(msg.Types))
					for _, t := range msg.Types {
						f[t] = true
					}
				}
				select {
				case filterCh <- f:
				default:
				}
				wc.sendJSON(ctx, map[string]any{"type": "subscription.confirmed"})
			case "ping":
				wc.sendJSON(ctx, map[string]any{"type": "pong"})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-filterCh:
			wc.filter = f
		case d, ok := <-deltas:
			if !ok {
				return
			}
			// Apply any filter set before this delta was produced.
			select {
			case f := <-filterCh:
				wc.filter = f
			default:
			}
			if wc.filter != nil && !wc.filter[d.Type] {
				continue
			}
			wc.sendDelta(ctx, d)
		}
	}
}

func (wc *wsConn) sendDelta(ctx context.Context, d monitor.Delta) {
	wc.sendJSON(ctx, map[string]any{
		"type":  "delta",
		"delta": d,
	})
}

func (wc *wsConn) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", wc.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wc.writeTimeout)
	defer cancel()
	if err := wc.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", wc.id, "error", err)
	}
}
