package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/azerzeki/mcp-reticle/internal/bus"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/tokens"
)

// Pipeline 观测管线：Frame → 归类 → 关联 → token估算 → 总线发布
//
// 管线不在转发路径上。转发协程通过传输层的非阻塞队列投递帧，
// 管线在独立协程里消费，对总线的发布同样不阻塞。
type Pipeline struct {
	bus        *bus.Bus
	correlator *Correlator
	estimator  tokens.Estimator
	acc        *tokens.Accumulator

	seq atomic.Uint64

	// lastTS 保证同一(session, direction)内时间戳单调不减
	mu     sync.Mutex
	lastTS map[string]int64
}

// New 创建观测管线
func New(b *bus.Bus, estimator tokens.Estimator, pendingCap int) *Pipeline {
	if estimator == nil {
		estimator = tokens.HeuristicEstimator{}
	}
	return &Pipeline{
		bus:        b,
		correlator: NewCorrelator(pendingCap),
		estimator:  estimator,
		acc:        tokens.NewAccumulator(),
		lastTS:     make(map[string]int64),
	}
}

// Observe 处理一个观测到的帧并发布LogEntry
func (p *Pipeline) Observe(sessionID, serverName string, frame *protocol.Frame) *protocol.LogEntry {
	entry := protocol.Classify(frame, sessionID)
	p.finalize(entry)
	entry.ServerName = serverName

	if entry.MessageType != protocol.MessageStderr {
		count := p.estimator.Count(entry.Content)
		entry.TokenCount = &count
	}

	synthetic := p.correlator.Observe(entry)

	p.bus.PublishEntry(entry)
	p.acc.Record(entry)

	for _, s := range synthetic {
		p.finalize(s)
		p.bus.PublishEntry(s)
	}

	return entry
}

// Publish 直接发布一条外部构造的条目（合成stderr等）
func (p *Pipeline) Publish(entry *protocol.LogEntry) {
	p.finalize(entry)
	p.bus.PublishEntry(entry)
}

// Drain 消费传输层的帧通道直至其关闭
func (p *Pipeline) Drain(sessionID, serverName string, frames <-chan *protocol.Frame) {
	for frame := range frames {
		p.Observe(sessionID, serverName, frame)
	}
}

// EndSession 清理会话的关联与统计状态
func (p *Pipeline) EndSession(sessionID string) {
	p.correlator.EndSession(sessionID)
	p.acc.EndSession(sessionID)
	p.mu.Lock()
	delete(p.lastTS, sessionID+"/in")
	delete(p.lastTS, sessionID+"/out")
	p.mu.Unlock()
}

// Correlator 暴露关联器（查询待匹配计数用）
func (p *Pipeline) Correlator() *Correlator {
	return p.correlator
}

// TokenStats 会话token统计快照
func (p *Pipeline) TokenStats(sessionID string) *tokens.SessionStats {
	return p.acc.Session(sessionID)
}

// finalize 分配条目序号并打上单调不减的时间戳
func (p *Pipeline) finalize(entry *protocol.LogEntry) {
	entry.ID = p.seq.Add(1)

	ts := now()
	key := entry.SessionID + "/" + string(entry.Direction)

	p.mu.Lock()
	if last := p.lastTS[key]; ts < last {
		ts = last
	}
	p.lastTS[key] = ts
	p.mu.Unlock()

	entry.Timestamp = ts
}
