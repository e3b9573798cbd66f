package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/monitor"
	"github.com/genesis-runtime/genesis/pkg/transport/inproc"
)

type wsMessage struct {
	Type     string           `json:"type"`
	Snapshot *monitor.Snapshot `json:"snapshot,omitempty"`
	Delta    *monitor.Delta    `json:"delta,omitempty"`
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) wsMessage {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestWebSocketStreamsSnapshotAndDeltas(t *testing.T) {
	bus := inproc.New()
	gw, srv := startGateway(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/api/v1/ws"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, ctx, conn)
	assert.Equal(t, "connection.established", msg.Type)

	msg = readMessage(t, ctx, conn)
	require.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Snapshot)

	// A topology change streams as a delta.
	pub := monitor.NewPublisher(bus, "late-agent", "Agent")
	require.NoError(t, pub.Node(ctx, string(models.StateReady), "{}"))

	msg = readUntil(t, ctx, conn, "delta")
	require.NotNil(t, msg.Delta)
	assert.Equal(t, "node_update", msg.Delta.Type)
	require.NotNil(t, msg.Delta.Record)
	assert.Equal(t, "late-agent", msg.Delta.Record.ElementID)

	_ = gw
}

func TestWebSocketSubscribeFiltersDeltas(t *testing.T) {
	bus := inproc.New()
	_, srv := startGateway(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/api/v1/ws"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readUntil(t, ctx, conn, "snapshot")

	sub, _ := json.Marshal(ClientMessage{Action: "subscribe", Types: []string{"edge_update"}})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))
	readUntil(t, ctx, conn, "subscription.confirmed")

	pub := monitor.NewPublisher(bus, "noisy-agent", "Agent")
	require.NoError(t, pub.Node(ctx, string(models.StateReady), "{}"))
	require.NoError(t, pub.Edge(ctx, "noisy-agent", "some-service", models.EdgeAgentToService))

	// The node_update is filtered out; the edge_update comes through.
	msg := readUntil(t, ctx, conn, "delta")
	assert.Equal(t, "edge_update", msg.Delta.Type)
}

func TestWebSocketPing(t *testing.T) {
	bus := inproc.New()
	_, srv := startGateway(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/api/v1/ws"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readUntil(t, ctx, conn, "snapshot")

	ping, _ := json.Marshal(ClientMessage{Action: "ping"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ping))
	readUntil(t, ctx, conn, "pong")
}
