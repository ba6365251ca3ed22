package solbc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logsNode acks one logsSubscribe, writes the given notifications and then
// either holds the socket open or drops it.
func logsNode(t *testing.T, notes []map[string]interface{}, drop bool) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(msg, &req); err != nil || req.Method != "logsSubscribe" {
			t.Errorf("unexpected request %s", msg)
			return
		}
		if err := c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 42}); err != nil {
			return
		}
		for _, n := range notes {
			frame := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "logsNotification",
				"params":  map[string]interface{}{"subscription": 42, "result": n},
			}
			if err := c.WriteJSON(frame); err != nil {
				return
			}
		}
		if drop {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLogStream_RecvDecodesNotification(t *testing.T) {
	sig := solana.Signature{7, 7, 7}
	url := logsNode(t, []map[string]interface{}{{
		"context": map[string]interface{}{"slot": 321},
		"value": map[string]interface{}{
			"signature": sig.String(),
			"err":       nil,
			"logs":      []string{"Program log: Instruction: Route"},
		},
	}}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamer := NewLogStreamer(url, zaptest.NewLogger(t))
	stream, err := streamer.Subscribe(ctx, solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	defer stream.Close()

	n, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, sig.String(), n.Signature)
	assert.Equal(t, uint64(321), n.Slot)
	assert.False(t, n.Failed)
	assert.Equal(t, []string{"Program log: Instruction: Route"}, n.Logs)
}

func TestLogStream_RecvHonoursContext(t *testing.T) {
	url := logsNode(t, nil, false)

	streamer := NewLogStreamer(url, zaptest.NewLogger(t))
	stream, err := streamer.Subscribe(context.Background(), solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLogStream_RecvReportsDroppedSocket(t *testing.T) {
	url := logsNode(t, nil, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamer := NewLogStreamer(url, zaptest.NewLogger(t))
	stream, err := streamer.Subscribe(ctx, solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
