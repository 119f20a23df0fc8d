package pipeline

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// DefaultPendingCap 每会话待匹配请求表的默认上限
const DefaultPendingCap = 10000

// pendingRequest 待匹配的请求
type pendingRequest struct {
	entryID   uint64
	timestamp int64
	key       string
	elem      *list.Element
}

// sessionPending 单个会话的待匹配状态
type sessionPending struct {
	byKey map[string]*pendingRequest
	// order 插入顺序，用于溢出时淘汰最旧
	order *list.List
}

// Correlator 请求响应关联器
//
// 以(session_id, rpc_id)为键把响应匹配回请求并计算往返耗时。
// 表按会话设上限，溢出时淘汰最旧并发出合成stderr条目。
type Correlator struct {
	mu       sync.Mutex
	sessions map[string]*sessionPending
	cap      int
}

// NewCorrelator 创建关联器
func NewCorrelator(pendingCap int) *Correlator {
	if pendingCap <= 0 {
		pendingCap = DefaultPendingCap
	}
	return &Correlator{
		sessions: make(map[string]*sessionPending),
		cap:      pendingCap,
	}
}

// Observe 按到达顺序处理一条已归类条目
//
// 响应条目在匹配成功时被设置DurationMicros；
// 返回需要一并发布的合成条目（重复id淘汰警告、表溢出通知）。
// 通知与非JSON-RPC条目原样通过。
func (c *Correlator) Observe(entry *protocol.LogEntry) []*protocol.LogEntry {
	if entry.MessageType != protocol.MessageJSONRPC || entry.RPCID == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case entry.IsRequest():
		return c.trackLocked(entry)
	case entry.IsResponse():
		c.resolveLocked(entry)
		return nil
	default:
		return nil
	}
}

func (c *Correlator) trackLocked(entry *protocol.LogEntry) []*protocol.LogEntry {
	sp, ok := c.sessions[entry.SessionID]
	if !ok {
		sp = &sessionPending{
			byKey: make(map[string]*pendingRequest),
			order: list.New(),
		}
		c.sessions[entry.SessionID] = sp
	}

	var synthetic []*protocol.LogEntry
	key := entry.RPCID.Key()

	if old, exists := sp.byKey[key]; exists {
		// 相同id的重复请求：新请求取代旧的，旧的被淘汰并发出警告
		sp.order.Remove(old.elem)
		delete(sp.byKey, key)
		synthetic = append(synthetic, protocol.SyntheticStderr(entry.SessionID,
			fmt.Sprintf("[reticle] duplicate-id-evicted: request id %s (entry %d) replaced by entry %d",
				key, old.entryID, entry.ID)))
	}

	if sp.order.Len() >= c.cap {
		oldest := sp.order.Front()
		if oldest != nil {
			evicted := oldest.Value.(*pendingRequest)
			sp.order.Remove(oldest)
			delete(sp.byKey, evicted.key)
			synthetic = append(synthetic, protocol.SyntheticStderr(entry.SessionID,
				"[reticle] correlator table overflow, oldest requests discarded"))
		}
	}

	pr := &pendingRequest{
		entryID:   entry.ID,
		timestamp: entry.Timestamp,
		key:       key,
	}
	pr.elem = sp.order.PushBack(pr)
	sp.byKey[key] = pr

	return synthetic
}

func (c *Correlator) resolveLocked(entry *protocol.LogEntry) {
	sp, ok := c.sessions[entry.SessionID]
	if !ok {
		return
	}
	key := entry.RPCID.Key()
	pr, ok := sp.byKey[key]
	if !ok {
		// 无匹配请求的响应：不设耗时，原样发布
		return
	}

	duration := entry.Timestamp - pr.timestamp
	if duration < 0 {
		duration = 0
	}
	entry.DurationMicros = &duration

	sp.order.Remove(pr.elem)
	delete(sp.byKey, key)
}

// PendingCount 会话当前待匹配请求数
func (c *Correlator) PendingCount(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sp, ok := c.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(sp.byKey)
}

// EndSession 清除会话的全部待匹配状态
func (c *Correlator) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// now 当前微秒时间戳
func now() int64 {
	return time.Now().UnixMicro()
}
