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

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/azerzeki/mcp-reticle/internal/pipeline"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

// MaxSSELineSize SSE单行上限，与帧上限一致
const MaxSSELineSize = pipeline.MaxFrameSize

// SSEConfig SSE-legacy传输配置（MCP 2024-11-05）
type SSEConfig struct {
	// UpstreamURL 上游MCP服务器基地址
	UpstreamURL string
	// ListenPort 本地监听端口（绑定127.0.0.1）
	ListenPort int
	// CORSOrigins 跨域白名单
	CORSOrigins []string
	QueueSize   int
	// Client 上游HTTP客户端；为nil使用默认
	Client *http.Client
}

// SSELegacy HTTP+SSE legacy传输
//
// 两个端点：POST /message把一条JSON-RPC请求转发到上游并回传响应体；
// GET /events打通上游SSE流并把每条data:行原样转发给下游。
// 请求体按direction=in观测，响应体与SSE数据行按direction=out观测。
type SSELegacy struct {
	lifecycle
	cfg   SSEConfig
	queue *frameQueue

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	client   *http.Client
}

// NewSSELegacy 创建SSE-legacy传输
func NewSSELegacy(cfg SSEConfig) *SSELegacy {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SSELegacy{
		cfg:    cfg,
		queue:  newFrameQueue(cfg.QueueSize),
		client: client,
	}
}

// Kind 传输类别
func (t *SSELegacy) Kind() session.Kind {
	return session.KindSSELegacy
}

// Incoming 观测帧通道
func (t *SSELegacy) Incoming() <-chan *protocol.Frame {
	return t.queue.frames()
}

// Addr 实际监听地址（端口为0时由系统分配）
func (t *SSELegacy) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Attach 绑定本地端口并开始服务
func (t *SSELegacy) Attach(ctx context.Context) error {
	if !t.transition(StateIdle, StateAttaching) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.cfg.ListenPort))
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/message", t.handleMessage).Methods(http.MethodPost)
	router.HandleFunc("/events", t.handleEvents).Methods(http.MethodGet)
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

func (t *SSELegacy) corsOrigins() []string {
	if len(t.cfg.CORSOrigins) > 0 {
		return t.cfg.CORSOrigins
	}
	return []string{"http://localhost:*", "http://127.0.0.1:*"}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMessage POST /message：观测请求体，转发上游，回传并观测响应体
func (t *SSELegacy) handleMessage(w http.ResponseWriter, r *http.Request) {
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

	respBody, status, err := t.relay(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}

	t.queue.push(&protocol.Frame{
		Direction: protocol.DirectionOut,
		Stream:    protocol.StreamStdout,
		Data:      respBody,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// relay 把一条消息转发到上游POST /message
func (t *SSELegacy) relay(ctx context.Context, body []byte, contentType string) ([]byte, int, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	url := strings.TrimSuffix(t.cfg.UpstreamURL, "/") + "/message"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

// handleEvents GET /events：打通上游SSE流并原样转发
func (t *SSELegacy) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	url := strings.TrimSuffix(t.cfg.UpstreamURL, "/") + "/events"

	// 上游连接带指数退避重试
	var resp *http.Response
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "text/event-stream")

		// SSE是长连接，不能带整体超时
		resp, err = t.sseClient().Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithContext(policy, r.Context()))
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream unreachable: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), MaxSSELineSize)
	for scanner.Scan() {
		line := scanner.Text()

		// 原样转发每一行（含event:/id:/空行），保持SSE语义
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		flusher.Flush()

		if data, ok := strings.CutPrefix(line, "data: "); ok {
			t.queue.push(&protocol.Frame{
				Direction: protocol.DirectionOut,
				Stream:    protocol.StreamStdout,
				Data:      []byte(data),
			})
		}
	}
}

// sseClient 无整体超时的流式客户端
func (t *SSELegacy) sseClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// Send 把一帧注入上游（客户端→服务器方向）
func (t *SSELegacy) Send(frame []byte) error {
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
	respBody, _, err := t.relay(ctx, frame, "application/json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
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
func (t *SSELegacy) Close() error {
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

var _ Transport = (*SSELegacy)(nil)
