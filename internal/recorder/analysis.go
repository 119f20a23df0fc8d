package recorder

import (
	"sort"
	"time"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// MessageFlow 一次请求响应往返
type MessageFlow struct {
	RPCID       string        `json:"rpc_id"`
	Method      string        `json:"method,omitempty"`
	SendTime    int64         `json:"send_time"`
	ReceiveTime int64         `json:"receive_time,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
	// Status "sent"（无响应）或"received"
	Status string `json:"status"`
}

// SessionMetrics 录制会话的延迟与吞吐指标
type SessionMetrics struct {
	TotalMessages      int                   `json:"total_messages"`
	RequestCount       int                   `json:"request_count"`
	ResponseCount      int                   `json:"response_count"`
	NotificationCount  int                   `json:"notification_count"`
	StderrCount        int                   `json:"stderr_count"`
	AverageLatency     time.Duration         `json:"average_latency"`
	MinLatency         time.Duration         `json:"min_latency"`
	MaxLatency         time.Duration         `json:"max_latency"`
	LatencyPercentiles map[int]time.Duration `json:"latency_percentiles"`
	// Throughput 每秒消息数，按首末条目间隔计算
	Throughput float64 `json:"throughput"`
}

// Analyzer 录制会话的时间线分析器
type Analyzer struct {
	entries []*protocol.LogEntry
}

// NewAnalyzer 基于有序条目创建分析器
func NewAnalyzer(entries []*protocol.LogEntry) *Analyzer {
	return &Analyzer{entries: entries}
}

// MessageFlows 按rpc_id配对请求响应，按发送时间排序
func (a *Analyzer) MessageFlows() []*MessageFlow {
	flowMap := make(map[string]*MessageFlow)
	var order []string

	for _, e := range a.entries {
		switch {
		case e.IsRequest():
			key := e.RPCID.Key()
			if _, exists := flowMap[key]; !exists {
				order = append(order, key)
			}
			// 同id的后续请求覆盖旧的，与关联器的淘汰语义一致
			flowMap[key] = &MessageFlow{
				RPCID:    key,
				Method:   e.Method,
				SendTime: e.Timestamp,
				Status:   "sent",
			}
		case e.IsResponse():
			flow, exists := flowMap[e.RPCID.Key()]
			if !exists || flow.Status == "received" {
				continue
			}
			flow.ReceiveTime = e.Timestamp
			flow.Latency = time.Duration(e.Timestamp-flow.SendTime) * time.Microsecond
			flow.Status = "received"
		}
	}

	flows := make([]*MessageFlow, 0, len(order))
	for _, key := range order {
		flows = append(flows, flowMap[key])
	}
	sort.SliceStable(flows, func(i, j int) bool {
		return flows[i].SendTime < flows[j].SendTime
	})
	return flows
}

// Metrics 计算会话指标
func (a *Analyzer) Metrics() *SessionMetrics {
	metrics := &SessionMetrics{
		LatencyPercentiles: make(map[int]time.Duration),
	}

	var firstTS, lastTS int64
	for _, e := range a.entries {
		metrics.TotalMessages++
		switch {
		case e.IsRequest():
			metrics.RequestCount++
		case e.IsResponse():
			metrics.ResponseCount++
		case e.IsNotification():
			metrics.NotificationCount++
		case e.MessageType == protocol.MessageStderr:
			metrics.StderrCount++
		}
		if firstTS == 0 || e.Timestamp < firstTS {
			firstTS = e.Timestamp
		}
		if e.Timestamp > lastTS {
			lastTS = e.Timestamp
		}
	}

	var latencies []time.Duration
	for _, flow := range a.MessageFlows() {
		if flow.Status == "received" && flow.Latency > 0 {
			latencies = append(latencies, flow.Latency)
		}
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		metrics.MinLatency = latencies[0]
		metrics.MaxLatency = latencies[len(latencies)-1]

		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		metrics.AverageLatency = total / time.Duration(len(latencies))

		metrics.LatencyPercentiles[50] = latencies[len(latencies)*50/100]
		metrics.LatencyPercentiles[90] = latencies[len(latencies)*90/100]
		metrics.LatencyPercentiles[95] = latencies[len(latencies)*95/100]
		metrics.LatencyPercentiles[99] = latencies[len(latencies)*99/100]
	}

	if lastTS > firstTS {
		seconds := float64(lastTS-firstTS) / 1e6
		metrics.Throughput = float64(metrics.TotalMessages) / seconds
	}

	return metrics
}
