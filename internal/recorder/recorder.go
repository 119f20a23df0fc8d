package recorder

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/azerzeki/mcp-reticle/internal/bus"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

var (
	// ErrAlreadyRecording 同一会话已有活跃录制
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording 没有活跃录制
	ErrNotRecording = errors.New("not recording")
)

// State 录制状态
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateSealed
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRecording:
		return "RECORDING"
	case StateFinalizing:
		return "FINALIZING"
	case StateSealed:
		return "SEALED"
	default:
		return "UNKNOWN"
	}
}

// Status 录制状态快照
type Status struct {
	IsRecording     bool   `json:"is_recording"`
	SessionID       string `json:"session_id,omitempty"`
	SessionName     string `json:"session_name,omitempty"`
	MessageCount    int64  `json:"message_count"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// Recording 单个会话的活跃录制
//
// 条目经内部队列由专属写盘协程落库，落盘不在转发路径上。
// 落盘策略：每FlushInterval或每FlushBatch条，先到先触发。
type Recording struct {
	ID        string
	SessionID string
	Name      string
	StartedAt int64

	store *Store
	state atomic.Int32
	count atomic.Int64

	mu      sync.Mutex
	pending []*protocol.LogEntry
	nextSeq int64
	ioErr   error

	flushInterval time.Duration
	flushBatch    int
	lastWarn      atomic.Int64

	wake chan struct{}
	done chan struct{}
}

// State 当前状态
func (r *Recording) State() State {
	return State(r.state.Load())
}

// MessageCount 已录制条目数
func (r *Recording) MessageCount() int64 {
	return r.count.Load()
}

// append 入队一条条目；录制已出错或结束时丢弃
func (r *Recording) append(entry *protocol.LogEntry) {
	if r.State() != StateRecording {
		r.warnDropped()
		return
	}

	r.mu.Lock()
	if r.ioErr != nil {
		r.mu.Unlock()
		r.warnDropped()
		return
	}
	r.pending = append(r.pending, entry)
	full := len(r.pending) >= r.flushBatch
	r.mu.Unlock()

	r.count.Add(1)

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// warnDropped 丢弃告警，至多每秒一次
func (r *Recording) warnDropped() {
	now := time.Now().UnixNano()
	last := r.lastWarn.Load()
	if now-last < int64(time.Second) {
		return
	}
	if r.lastWarn.CompareAndSwap(last, now) {
		log.Printf("recording %s: entries dropped (state=%s, err=%v)", r.ID, r.State(), r.ioErr)
	}
}

// run 写盘协程：按间隔或批量阈值落库
func (r *Recording) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.wake:
			r.flush()
		}
		if r.State() != StateRecording {
			r.flush()
			return
		}
	}
}

// flush 把排队条目批量写入存储
func (r *Recording) flush() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	startSeq := r.nextSeq
	r.pending = nil
	r.nextSeq += int64(len(batch))
	r.mu.Unlock()

	if err := r.store.AppendEntries(r.SessionID, startSeq, batch); err != nil {
		r.mu.Lock()
		r.ioErr = err
		r.mu.Unlock()
		// 存储故障：进入Finalizing，后续条目丢弃并限频告警
		r.state.CompareAndSwap(int32(StateRecording), int32(StateFinalizing))
		log.Printf("recording %s: store write failed: %v", r.ID, err)
	}
}

// Recorder 录制器：管理各会话的活跃录制并消费总线事件
type Recorder struct {
	store *Store
	b     *bus.Bus
	sub   *bus.ReliableSubscriber

	flushInterval time.Duration
	flushBatch    int

	mu     sync.Mutex
	active map[string]*Recording
}

// New 创建录制器
//
// 可靠订阅在此处注册，Run启动之前发布的事件同样会被Run消费。
func New(store *Store, b *bus.Bus, flushInterval time.Duration, flushBatch int) *Recorder {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	if flushBatch <= 0 {
		flushBatch = 100
	}
	r := &Recorder{
		store:         store,
		b:             b,
		flushInterval: flushInterval,
		flushBatch:    flushBatch,
		active:        make(map[string]*Recording),
	}
	if b != nil {
		r.sub = b.SubscribeReliable()
	}
	return r
}

// Start 为会话开启录制；同一会话已在录制时报错
func (r *Recorder) Start(sess *session.Session, name string) (*Recording, error) {
	if name == "" {
		name = sess.Name
	}

	r.mu.Lock()
	if _, exists := r.active[sess.ID]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyRecording
	}

	rec := &Recording{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		Name:          name,
		StartedAt:     time.Now().UnixMicro(),
		store:         r.store,
		flushInterval: r.flushInterval,
		flushBatch:    r.flushBatch,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	rec.state.Store(int32(StateRecording))
	r.active[sess.ID] = rec
	r.mu.Unlock()

	meta := &SessionMetadata{
		ID:            sess.ID,
		Name:          name,
		Transport:     string(sess.Kind),
		ServerName:    sess.ServerName,
		ServerVersion: sess.ServerVersion,
		ServerCommand: sess.ServerCommand,
		StartedAt:     rec.StartedAt,
	}
	if err := r.store.SaveSession(meta); err != nil {
		r.mu.Lock()
		delete(r.active, sess.ID)
		r.mu.Unlock()
		return nil, err
	}

	go rec.run()

	if r.b != nil {
		r.b.Publish(bus.Event{
			Type:        bus.EventRecordingStarted,
			SessionID:   sess.ID,
			SessionName: name,
		})
	}
	return rec, nil
}

// Stop 停止会话的录制：排空队列、封存并返回最终元数据
func (r *Recorder) Stop(sessionID string) (*SessionMetadata, error) {
	r.mu.Lock()
	rec, ok := r.active[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	delete(r.active, sessionID)
	r.mu.Unlock()

	rec.state.CompareAndSwap(int32(StateRecording), int32(StateFinalizing))
	select {
	case rec.wake <- struct{}{}:
	default:
	}
	<-rec.done

	endedAt := time.Now().UnixMicro()
	durationMs := (endedAt - rec.StartedAt) / 1000
	count := rec.MessageCount()

	meta, _, err := r.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	meta.EndedAt = &endedAt
	meta.MessageCount = count
	meta.DurationMs = &durationMs
	if err := r.store.SaveSession(meta); err != nil {
		return nil, err
	}

	rec.state.Store(int32(StateSealed))

	if r.b != nil {
		r.b.Publish(bus.Event{
			Type:         bus.EventRecordingStopped,
			SessionID:    sessionID,
			SessionName:  meta.Name,
			MessageCount: count,
			DurationMs:   durationMs,
		})
	}
	return meta, nil
}

// Active 会话的活跃录制（无则nil）
func (r *Recorder) Active(sessionID string) *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID]
}

// Status 任一活跃录制的状态快照
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.active {
		return Status{
			IsRecording:     true,
			SessionID:       rec.SessionID,
			SessionName:     rec.Name,
			MessageCount:    rec.MessageCount(),
			DurationSeconds: (time.Now().UnixMicro() - rec.StartedAt) / 1_000_000,
		}
	}
	return Status{}
}

// AddTag 为录制中的会话打标签（规范化后持久化）
func (r *Recorder) AddTag(sessionID, tag string) error {
	normalized, err := session.NormalizeTag(tag)
	if err != nil {
		return err
	}
	return r.store.AddTags(sessionID, []string{normalized})
}

// RemoveTag 移除录制中会话的标签
func (r *Recorder) RemoveTag(sessionID, tag string) error {
	normalized, err := session.NormalizeTag(tag)
	if err != nil {
		return err
	}
	return r.store.RemoveTags(sessionID, []string{normalized})
}

// Run 消费总线的可靠订阅，把日志事件路由到对应录制
//
// 使用独立的无界队列，持久性不受UI背压影响。
// 总线关闭后Next返回false，Run随之退出。
func (r *Recorder) Run(ctx context.Context) {
	sub := r.sub

	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if ev.Type != bus.EventLog || ev.Entry == nil {
			continue
		}
		r.mu.Lock()
		rec := r.active[ev.SessionID]
		r.mu.Unlock()
		if rec != nil {
			rec.append(ev.Entry)
		}
	}
}
