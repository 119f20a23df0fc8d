package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// WSSink 把总线事件流式推送到观察端GUI的WebSocket出口
//
// GUI可以晚于CLI启动：连接失败时在后台按指数退避重试，
// 重连成功后先补发session-start再继续转发后续事件。
type WSSink struct {
	url string
	bus *Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	lastStart *Event

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSSink 创建WebSocket事件出口
func NewWSSink(url string, b *Bus) *WSSink {
	return &WSSink{url: url, bus: b}
}

// Start 订阅总线并开始转发
func (s *WSSink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	sub := s.bus.Subscribe()

	go func() {
		defer close(s.done)
		defer s.bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Type == EventSessionStart {
					s.mu.Lock()
					copied := ev
					s.lastStart = &copied
					s.mu.Unlock()
				}
				s.send(ctx, ev)
			}
		}
	}()
}

// Stop 停止转发并关闭连接
func (s *WSSink) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *WSSink) send(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("ws sink marshal error: %v", err)
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err == nil {
			return
		}
		s.mu.Lock()
		_ = s.conn.Close()
		s.conn = nil
		s.mu.Unlock()
	}

	if !s.reconnect(ctx) {
		return
	}

	s.mu.Lock()
	conn = s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// reconnect 带退避的重连；成功后补发最近的session-start
func (s *WSSink) reconnect(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = conn
		last := s.lastStart
		s.mu.Unlock()

		if last != nil {
			if data, err := json.Marshal(*last); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		log.Printf("ws sink: observer UI unreachable at %s: %v", s.url, err)
		return false
	}
	return true
}
