package transport

import (
	"bufio"
	"bytes"
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

// newSSEUpstream 模拟legacy SSE上游：/message回显result，/events推送通知
func newSSEUpstream(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"echo":%q}}`, string(body))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func attachSSE(t *testing.T, upstream string) *SSELegacy {
	t.Helper()
	tr := NewSSELegacy(SSEConfig{UpstreamURL: upstream, ListenPort: 0})
	require.NoError(t, tr.Attach(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestSSEMessageRelay 测试POST /message转发与双向观测
func TestSSEMessageRelay(t *testing.T) {
	upstream := newSSEUpstream(t, nil)
	tr := attachSSE(t, upstream.URL)

	request := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	resp, err := http.Post("http://"+tr.Addr()+"/message", "application/json", strings.NewReader(request))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"result"`)

	frames := collectFrames(t, tr.Incoming(), time.Second)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, protocol.DirectionIn, frames[0].Direction)
	assert.Equal(t, request, string(frames[0].Data))
	assert.Equal(t, protocol.DirectionOut, frames[1].Direction)
	assert.Equal(t, string(body), string(frames[1].Data))
}

// TestSSEEventsFanout 测试GET /events转发5条data:行（scenario: SSE扇出）
func TestSSEEventsFanout(t *testing.T) {
	notifications := make([]string, 5)
	for i := range notifications {
		notifications[i] = fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":%d}}`, i)
	}
	upstream := newSSEUpstream(t, notifications)
	tr := attachSSE(t, upstream.URL)

	resp, err := http.Get("http://" + tr.Addr() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// 下游收到与上游逐字节一致的5条data:行
	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(dataLines) < 5 {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, dataLines, 5)
	for i, line := range dataLines {
		assert.Equal(t, notifications[i], line)
	}

	// 5条out方向观测帧
	frames := collectFrames(t, tr.Incoming(), time.Second)
	var outCount int
	for _, f := range frames {
		if f.Direction == protocol.DirectionOut && f.Stream == protocol.StreamStdout {
			entry := protocol.Classify(f, "s")
			assert.Equal(t, "notifications/progress", entry.Method)
			assert.Nil(t, entry.RPCID)
			outCount++
		}
	}
	assert.Equal(t, 5, outCount)
}

// TestSSESend 测试注入帧走上游/message
func TestSSESend(t *testing.T) {
	upstream := newSSEUpstream(t, nil)
	tr := attachSSE(t, upstream.URL)

	injected := `{"jsonrpc":"2.0","id":9,"method":"ping"}`
	require.NoError(t, tr.Send([]byte(injected)))

	frames := collectFrames(t, tr.Incoming(), time.Second)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.True(t, frames[0].Injected)
	assert.Equal(t, protocol.DirectionIn, frames[0].Direction)
	assert.Equal(t, injected, string(frames[0].Data))
}

// TestSSEBindFailure 测试端口占用报错
func TestSSEBindFailure(t *testing.T) {
	upstream := newSSEUpstream(t, nil)
	first := attachSSE(t, upstream.URL)

	addr := first.Addr()
	portStr := addr[strings.LastIndex(addr, ":")+1:]
	var portNum int
	_, err := fmt.Sscanf(portStr, "%d", &portNum)
	require.NoError(t, err)

	second := NewSSELegacy(SSEConfig{UpstreamURL: upstream.URL, ListenPort: portNum})
	err = second.Attach(context.Background())
	assert.ErrorIs(t, err, ErrBindFailed)
}

// TestSSEUpstreamDown 测试上游不可达时/message返回502
func TestSSEUpstreamDown(t *testing.T) {
	tr := attachSSE(t, "http://127.0.0.1:1") // 无人监听

	resp, err := http.Post("http://"+tr.Addr()+"/message", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestSSECloseIdempotent 测试Close幂等
func TestSSECloseIdempotent(t *testing.T) {
	upstream := newSSEUpstream(t, nil)
	tr := attachSSE(t, upstream.URL)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrNotRunning)
}
