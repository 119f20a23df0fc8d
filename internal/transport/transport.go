package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

var (
	// ErrBadCommand 命令不在白名单内
	ErrBadCommand = errors.New("command not in allowlist")
	// ErrNotRunning 传输未处于Active状态
	ErrNotRunning = errors.New("transport not running")
	// ErrAlreadyRunning 传输已启动
	ErrAlreadyRunning = errors.New("transport already running")
	// ErrSpawnFailed 子进程启动失败
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrBindFailed 本地端口绑定失败
	ErrBindFailed = errors.New("bind failed")
	// ErrUpstreamUnreachable 上游不可达
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrWriteFailed 向对端写入失败
	ErrWriteFailed = errors.New("write failed")
)

// State 传输生命周期状态
type State int32

const (
	StateIdle State = iota
	StateAttaching
	StateActive
	StateClosing
	StateClosed
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAttaching:
		return "ATTACHING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// lifecycle 原子状态机，嵌入各传输实现
type lifecycle struct {
	state atomic.Int32
}

// State 当前状态
func (l *lifecycle) State() State {
	return State(l.state.Load())
}

func (l *lifecycle) transition(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

func (l *lifecycle) force(to State) {
	l.state.Store(int32(to))
}

// Transport 传输适配器的统一契约
//
// Send只做转发，不自行产生LogEntry；观测帧经Incoming通道输出，
// 向该通道的投递永不阻塞转发路径。Close幂等。
type Transport interface {
	// Attach 建立连接并启动读协程
	Attach(ctx context.Context) error
	// Send 把一帧注入客户端到服务器方向
	Send(frame []byte) error
	// Incoming 观测到的帧序列；传输关闭后通道关闭
	Incoming() <-chan *protocol.Frame
	// Close 优雅关闭，幂等
	Close() error
	// Kind 传输类别
	Kind() session.Kind
	// State 生命周期状态
	State() State
}

// Detect 按URL scheme选择传输类别
//
// ws/wss选WebSocket；http/https默认Streamable HTTP，
// 上游对POST /返回404时回退到SSE-legacy。
func Detect(ctx context.Context, rawURL string) (session.Kind, error) {
	kind, err := DetectScheme(rawURL)
	if err != nil {
		return "", err
	}
	if kind != session.KindStreamableHTTP {
		return kind, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return session.KindSSELegacy, nil
	}
	return session.KindStreamableHTTP, nil
}

// DetectScheme 仅按scheme判定，不探测上游
func DetectScheme(rawURL string) (session.Kind, error) {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return session.KindWebSocket, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return session.KindStreamableHTTP, nil
	default:
		return "", fmt.Errorf("invalid url scheme, expected ws://, wss://, http:// or https://: %s", rawURL)
	}
}
