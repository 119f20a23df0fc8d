package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

// WSConfig WebSocket传输配置
type WSConfig struct {
	UpstreamURL string
	ListenPort  int
	// Path 本地监听路径，默认/ws
	Path      string
	QueueSize int
}

// WS WebSocket传输
//
// 本地监听127.0.0.1:<port><path>，向上游建立出站WebSocket。
// 文本与二进制帧双向原样转发并按方向观测；ping/pong由底层处理，不记录。
type WS struct {
	lifecycle
	cfg      WSConfig
	queue    *frameQueue
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	upstream *websocket.Conn
}

// NewWS 创建WebSocket传输
func NewWS(cfg WSConfig) *WS {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &WS{
		cfg:   cfg,
		queue: newFrameQueue(cfg.QueueSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1")
			},
		},
	}
}

// Kind 传输类别
func (t *WS) Kind() session.Kind {
	return session.KindWebSocket
}

// Incoming 观测帧通道
func (t *WS) Incoming() <-chan *protocol.Frame {
	return t.queue.frames()
}

// Addr 实际监听地址
func (t *WS) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Attach 绑定本地端口并开始接受客户端连接
func (t *WS) Attach(ctx context.Context) error {
	if !t.transition(StateIdle, StateAttaching) {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.cfg.ListenPort))
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	router := http.NewServeMux()
	router.HandleFunc(t.cfg.Path, t.handleWebSocket)
	router.HandleFunc("/health", handleHealth)

	server := &http.Server{Handler: router}

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

// handleWebSocket 升级客户端连接并启动双向代理
func (t *WS) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientConn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	// 连接上游，带指数退避重试
	var serverConn *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	err = backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.Dial(t.cfg.UpstreamURL, nil)
		if err != nil {
			return err
		}
		serverConn = conn
		return nil
	}, policy)
	if err != nil {
		t.queue.push(&protocol.Frame{
			Direction: protocol.DirectionOut,
			Stream:    protocol.StreamStderr,
			Data:      []byte(fmt.Sprintf("[transport] upstream dial failed: %v", err)),
		})
		return
	}
	defer serverConn.Close()

	t.mu.Lock()
	t.upstream = serverConn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.upstream == serverConn {
			t.upstream = nil
		}
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 客户端→服务器
	go func() {
		defer cancel()
		t.proxyFrames(clientConn, serverConn, protocol.DirectionIn)
	}()

	// 服务器→客户端
	go func() {
		defer cancel()
		t.proxyFrames(serverConn, clientConn, protocol.DirectionOut)
	}()

	<-ctx.Done()
}

// proxyFrames 单方向转发：读一帧、观测、原样写出
func (t *WS) proxyFrames(src, dst *websocket.Conn, dir protocol.Direction) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			return
		}

		t.queue.push(&protocol.Frame{
			Direction: dir,
			Stream:    protocol.StreamStdout,
			Data:      data,
		})

		if err := dst.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}

// Send 把一帧注入上游连接（客户端→服务器方向）
func (t *WS) Send(frame []byte) error {
	if t.State() != StateActive {
		return ErrNotRunning
	}

	t.mu.Lock()
	upstream := t.upstream
	t.mu.Unlock()
	if upstream == nil {
		return ErrNotRunning
	}

	if err := upstream.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	t.queue.push(&protocol.Frame{
		Direction: protocol.DirectionIn,
		Stream:    protocol.StreamStdout,
		Data:      append([]byte(nil), frame...),
		Injected:  true,
	})
	return nil
}

// Close 停止服务并关闭观测队列；幂等
func (t *WS) Close() error {
	if !t.transition(StateActive, StateClosing) &&
		!t.transition(StateAttaching, StateClosing) {
		return nil
	}

	t.mu.Lock()
	server := t.server
	upstream := t.upstream
	t.mu.Unlock()

	if upstream != nil {
		_ = upstream.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	t.force(StateClosed)
	t.queue.close()
	return nil
}

var _ Transport = (*WS)(nil)
