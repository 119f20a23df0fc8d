package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

// StreamableConfig Streamable HTTP传输配置（MCP 2025-03-26）
type StreamableConfig struct {
	UpstreamURL string
	ListenPort  int
	CORSOrigins []string
	QueueSize   int
	Client      *http.Client
}

// Streamable Streamable HTTP传输
//
// 单端点POST /（兼容别名/mcp）。请求体是一条JSON-RPC消息（direction=in）；
// 响应是单个JSON对象或SSE编码的消息流，流中每帧按direction=out观测。
// 上游响应的content-type与传输编码原样透传。
type Streamable struct {
	lifecycle
	cfg   StreamableConfig
	queue *frameQueue

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	client   *http.Client
}

// NewStreamable 创建Streamable HTTP传输
func NewStreamable(cfg StreamableConfig) *Streamable {
	client := cfg.Client
	if client == nil {
		// 响应可能是长SSE流，不能带整体超时
		client = &http.Client{}
	}
	return &Streamable{
		cfg:    cfg,
		queue:  newFrameQueue(cfg.QueueSize),
		client: client,
	}
}

// Kind 传输类别
func (t *Streamable) Kind() session.Kind {
	return session.KindStreamableHTTP
}

// Incoming 观测帧通道
func (t *Streamable) Incoming() <-chan *protocol.Frame {
	return t.queue.frames()
}

// Addr 实际监听地址
func (t *Streamable) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Attach 绑定本地端口并开始服务
func (t *Streamable) Attach(ctx context.Context) error {
	if !t.transition(StateIdle, StateAttaching) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.cfg.ListenPort))
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/", t.handlePost).Methods(http.MethodPost)
	router.HandleFunc("/mcp", t.handlePost).Methods(http.MethodPost)
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: t.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{Handler: c.Handler(router)}

	t.mu.Lock()
	t.server = server
	t.listener = listener
	t.mu.Unlock()

	t.force(StateActive)

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.queue.push(&protocol.Frame{
				Direction: protocol.DirectionOut,
				Stream:    protocol.StreamStderr,
				Data:      []byte(fmt.Sprintf("[transport] %v", err)),
			})
		}
	}()

	return nil
}

func (t *Streamable) corsOrigins() []string {
	if len(t.cfg.CORSOrigins) > 0 {
		return t.cfg.CORSOrigins
	}
	return []string{"http://localhost:*", "http://127.0.0.1:*"}
}

// handlePost 转发一条JSON-RPC消息并透传响应
func (t *Streamable) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body failed", http.StatusBadRequest)
		return
	}

	t.queue.push(&protocol.Frame{
		Direction: protocol.DirectionIn,
		Stream:    protocol.StreamStdout,
		Data:      body,
	})

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, t.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// content-type与状态码原样透传
	respType := resp.Header.Get("Content-Type")
	if respType != "" {
		w.Header().Set("Content-Type", respType)
	}
	w.WriteHeader(resp.StatusCode)

	if strings.Contains(respType, "text/event-stream") {
		t.streamSSE(w, resp.Body)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	if len(respBody) > 0 {
		t.queue.push(&protocol.Frame{
			Direction: protocol.DirectionOut,
			Stream:    protocol.StreamStdout,
			Data:      respBody,
		})
	}
	_, _ = w.Write(respBody)
}

// streamSSE 逐行透传SSE响应流，观测每条data:行
func (t *Streamable) streamSSE(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), MaxSSELineSize)
	for scanner.Scan() {
		line := scanner.Text()

		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if data, ok := strings.CutPrefix(line, "data: "); ok {
			t.queue.push(&protocol.Frame{
				Direction: protocol.DirectionOut,
				Stream:    protocol.StreamStdout,
				Data:      []byte(data),
			})
		}
	}
}

// Send 把一帧注入上游（客户端→服务器方向）
func (t *Streamable) Send(frame []byte) error {
	if t.State() != StateActive {
		return ErrNotRunning
	}

	t.queue.push(&protocol.Frame{
		Direction: protocol.DirectionIn,
		Stream:    protocol.StreamStdout,
		Data:      append([]byte(nil), frame...),
		Injected:  true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.UpstreamURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), MaxSSELineSize)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				t.queue.push(&protocol.Frame{
					Direction: protocol.DirectionOut,
					Stream:    protocol.StreamStdout,
					Data:      []byte(data),
				})
			}
		}
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	if len(respBody) > 0 {
		t.queue.push(&protocol.Frame{
			Direction: protocol.DirectionOut,
			Stream:    protocol.StreamStdout,
			Data:      respBody,
		})
	}
	return nil
}

// Close 停止服务并关闭观测队列；幂等
func (t *Streamable) Close() error {
	if !t.transition(StateActive, StateClosing) &&
		!t.transition(StateAttaching, StateClosing) {
		return nil
	}

	t.mu.Lock()
	server := t.server
	t.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	t.force(StateClosed)
	t.queue.close()
	return nil
}

var _ Transport = (*Streamable)(nil)
