package tokens

import (
	"sync"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// MethodStats 单个方法的token统计
type MethodStats struct {
	TotalTokens    int64 `json:"total_tokens"`
	RequestTokens  int64 `json:"request_tokens"`
	ResponseTokens int64 `json:"response_tokens"`
	CallCount      int64 `json:"call_count"`
}

// SessionStats 单个会话的token统计
type SessionStats struct {
	SessionID        string                  `json:"session_id"`
	TokensToServer   int64                   `json:"tokens_to_server"`
	TokensFromServer int64                   `json:"tokens_from_server"`
	TotalTokens      int64                   `json:"total_tokens"`
	TokensByMethod   map[string]*MethodStats `json:"tokens_by_method"`
}

// Accumulator 跨会话的token累计器
type Accumulator struct {
	mu       sync.RWMutex
	sessions map[string]*SessionStats
	// pendingMethod 记录请求方法，响应到达时归入同一方法
	pendingMethod map[string]map[string]string
}

// NewAccumulator 创建token累计器
func NewAccumulator() *Accumulator {
	return &Accumulator{
		sessions:      make(map[string]*SessionStats),
		pendingMethod: make(map[string]map[string]string),
	}
}

// Record 累计一条日志条目的token
func (a *Accumulator) Record(entry *protocol.LogEntry) {
	if entry.TokenCount == nil {
		return
	}
	count := *entry.TokenCount

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.sessions[entry.SessionID]
	if !ok {
		stats = &SessionStats{
			SessionID:      entry.SessionID,
			TokensByMethod: make(map[string]*MethodStats),
		}
		a.sessions[entry.SessionID] = stats
	}

	stats.TotalTokens += count
	if entry.Direction == protocol.DirectionIn {
		stats.TokensToServer += count
	} else {
		stats.TokensFromServer += count
	}

	method := entry.Method
	if method == "" && entry.IsResponse() {
		method = a.takePendingLocked(entry.SessionID, entry.RPCID.Key())
	}
	if method == "" {
		return
	}

	ms, ok := stats.TokensByMethod[method]
	if !ok {
		ms = &MethodStats{}
		stats.TokensByMethod[method] = ms
	}
	ms.TotalTokens += count
	if entry.IsResponse() {
		ms.ResponseTokens += count
	} else {
		ms.RequestTokens += count
		ms.CallCount++
	}

	if entry.IsRequest() {
		pending, ok := a.pendingMethod[entry.SessionID]
		if !ok {
			pending = make(map[string]string)
			a.pendingMethod[entry.SessionID] = pending
		}
		pending[entry.RPCID.Key()] = method
	}
}

func (a *Accumulator) takePendingLocked(sessionID, key string) string {
	pending, ok := a.pendingMethod[sessionID]
	if !ok {
		return ""
	}
	method := pending[key]
	delete(pending, key)
	return method
}

// Session 返回会话统计快照
func (a *Accumulator) Session(sessionID string) *SessionStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats, ok := a.sessions[sessionID]
	if !ok {
		return nil
	}
	snapshot := &SessionStats{
		SessionID:        stats.SessionID,
		TokensToServer:   stats.TokensToServer,
		TokensFromServer: stats.TokensFromServer,
		TotalTokens:      stats.TotalTokens,
		TokensByMethod:   make(map[string]*MethodStats, len(stats.TokensByMethod)),
	}
	for m, ms := range stats.TokensByMethod {
		copied := *ms
		snapshot.TokensByMethod[m] = &copied
	}
	return snapshot
}

// EndSession 清理会话的统计与待匹配状态
func (a *Accumulator) EndSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pendingMethod, sessionID)
	delete(a.sessions, sessionID)
}
