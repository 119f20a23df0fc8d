package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// newWSUpstream 模拟上游WebSocket服务器：对每条消息回显result
func newWSUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func attachWS(t *testing.T, upstreamURL string) *WS {
	t.Helper()
	tr := NewWS(WSConfig{
		UpstreamURL: "ws" + strings.TrimPrefix(upstreamURL, "http"),
		ListenPort:  0,
	})
	require.NoError(t, tr.Attach(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestWSProxyRoundTrip 测试WebSocket双向转发与观测
func TestWSProxyRoundTrip(t *testing.T) {
	upstream := newWSUpstream(t)
	tr := attachWS(t, upstream.URL)

	client, _, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()

	request := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(request)))

	_, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, request, string(echoed))

	frames := collectFrames(t, tr.Incoming(), time.Second)
	var inCount, outCount int
	for _, f := range frames {
		switch f.Direction {
		case protocol.DirectionIn:
			assert.Equal(t, request, string(f.Data))
			inCount++
		case protocol.DirectionOut:
			assert.Equal(t, request, string(f.Data))
			outCount++
		}
	}
	assert.Equal(t, 1, inCount)
	assert.Equal(t, 1, outCount)
}

// TestWSBinaryFrames 测试二进制帧原样转发
func TestWSBinaryFrames(t *testing.T) {
	upstream := newWSUpstream(t)
	tr := attachWS(t, upstream.URL)

	client, _, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()

	payload := []byte{0x00, 0x01, 0xff, 0xfe, 0x7f}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload))

	messageType, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, payload, echoed)
}

// TestWSSend 测试注入帧写入上游
func TestWSSend(t *testing.T) {
	upstream := newWSUpstream(t)
	tr := attachWS(t, upstream.URL)

	client, _, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()

	// 等上游连接建立
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.upstream != nil
	}, 2*time.Second, 10*time.Millisecond)

	injected := `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`
	require.NoError(t, tr.Send([]byte(injected)))

	// 上游回显流向客户端
	_, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, injected, string(echoed))

	var sawInjected bool
	frames := collectFrames(t, tr.Incoming(), time.Second)
	for _, f := range frames {
		if f.Injected {
			sawInjected = true
		}
	}
	assert.True(t, sawInjected)
}

// TestWSSendNoUpstream 测试无上游连接时Send报错
func TestWSSendNoUpstream(t *testing.T) {
	upstream := newWSUpstream(t)
	tr := attachWS(t, upstream.URL)

	assert.ErrorIs(t, tr.Send([]byte("x")), ErrNotRunning)
}

// TestWSCloseIdempotent 测试Close幂等
func TestWSCloseIdempotent(t *testing.T) {
	upstream := newWSUpstream(t)
	tr := attachWS(t, upstream.URL)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
}
