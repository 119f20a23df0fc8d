package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// newStreamableUpstream 模拟streamable上游：sse=true时以SSE流响应
func newStreamableUpstream(t *testing.T, sse bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)

		if sse {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			for i := 0; i < 3; i++ {
				_, _ = fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/chunk\",\"params\":{\"i\":%d}}\n\n", i)
				flusher.Flush()
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"len":%d}}`, len(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func attachStreamable(t *testing.T, upstream string) *Streamable {
	t.Helper()
	tr := NewStreamable(StreamableConfig{UpstreamURL: upstream, ListenPort: 0})
	require.NoError(t, tr.Attach(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestStreamableSingleResponse 测试单JSON响应转发与观测
func TestStreamableSingleResponse(t *testing.T) {
	upstream := newStreamableUpstream(t, false)
	tr := attachStreamable(t, upstream.URL)

	request := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	resp, err := http.Post("http://"+tr.Addr()+"/", "application/json", strings.NewReader(request))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"result"`)

	frames := collectFrames(t, tr.Incoming(), time.Second)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, protocol.DirectionIn, frames[0].Direction)
	assert.Equal(t, request, string(frames[0].Data))
	assert.Equal(t, protocol.DirectionOut, frames[1].Direction)
}

// TestStreamableMCPAlias 测试/mcp别名路由
func TestStreamableMCPAlias(t *testing.T) {
	upstream := newStreamableUpstream(t, false)
	tr := attachStreamable(t, upstream.URL)

	resp, err := http.Post("http://"+tr.Addr()+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestStreamableSSEResponse 测试SSE多响应流透传与观测
func TestStreamableSSEResponse(t *testing.T) {
	upstream := newStreamableUpstream(t, true)
	tr := attachStreamable(t, upstream.URL)

	resp, err := http.Post("http://"+tr.Addr()+"/", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/call"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// content-type原样透传
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(body), "data: "))

	frames := collectFrames(t, tr.Incoming(), time.Second)
	var outFrames int
	for _, f := range frames {
		if f.Direction == protocol.DirectionOut {
			entry := protocol.Classify(f, "s")
			assert.Equal(t, "notifications/chunk", entry.Method)
			outFrames++
		}
	}
	assert.Equal(t, 3, outFrames)
}

// TestStreamableSend 测试注入
func TestStreamableSend(t *testing.T) {
	upstream := newStreamableUpstream(t, false)
	tr := attachStreamable(t, upstream.URL)

	injected := `{"jsonrpc":"2.0","id":7,"method":"ping"}`
	require.NoError(t, tr.Send([]byte(injected)))

	frames := collectFrames(t, tr.Incoming(), time.Second)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.True(t, frames[0].Injected)
	assert.Equal(t, protocol.DirectionOut, frames[1].Direction)
}

// TestStreamableUpstreamDown 测试上游不可达返回502
func TestStreamableUpstreamDown(t *testing.T) {
	tr := attachStreamable(t, "http://127.0.0.1:1")

	resp, err := http.Post("http://"+tr.Addr()+"/", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestDetectScheme 测试URL scheme判定
func TestDetectScheme(t *testing.T) {
	kind, err := DetectScheme("ws://localhost:9000/ws")
	require.NoError(t, err)
	assert.Equal(t, "websocket", string(kind))

	kind, err = DetectScheme("wss://example.com/mcp")
	require.NoError(t, err)
	assert.Equal(t, "websocket", string(kind))

	kind, err = DetectScheme("https://example.com/mcp")
	require.NoError(t, err)
	assert.Equal(t, "streamable-http", string(kind))

	_, err = DetectScheme("ftp://example.com")
	assert.Error(t, err)
}

// TestDetectFallbackToSSE 测试POST /返回404时回退legacy SSE
func TestDetectFallbackToSSE(t *testing.T) {
	legacyOnly := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer legacyOnly.Close()

	kind, err := Detect(context.Background(), legacyOnly.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "sse-legacy", string(kind))

	streamable := newStreamableUpstream(t, false)
	kind, err = Detect(context.Background(), streamable.URL)
	require.NoError(t, err)
	assert.Equal(t, "streamable-http", string(kind))
}
