package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Direction 消息流向
type Direction string

const (
	// DirectionIn 客户端到服务器
	DirectionIn Direction = "in"
	// DirectionOut 服务器到客户端
	DirectionOut Direction = "out"
)

// MessageType 消息内容类型
type MessageType string

const (
	MessageJSONRPC MessageType = "jsonrpc"
	MessageRaw     MessageType = "raw"
	MessageStderr  MessageType = "stderr"
)

// StreamKind 被观测的流类别
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// Frame 线路上的一个原子载荷单元：一行（stdio/SSE）、一个HTTP body或一条WebSocket消息
type Frame struct {
	Direction Direction
	Stream    StreamKind
	Data      []byte
	// Truncated 帧在流结束或超长切分处被截断
	Truncated bool
	// Injected 帧由调试器注入而非真实客户端发出
	Injected bool
}

// RPCID JSON-RPC的id字段，保留原始JSON类型（字符串、数字或null）
type RPCID struct {
	raw json.RawMessage
}

// NewRPCID 从原始JSON片段构造id
func NewRPCID(raw json.RawMessage) *RPCID {
	if len(raw) == 0 {
		return nil
	}
	return &RPCID{raw: append(json.RawMessage(nil), raw...)}
}

// Key 返回用于关联表查找的规范化键
func (id *RPCID) Key() string {
	if id == nil {
		return ""
	}
	return string(bytes.TrimSpace(id.raw))
}

// IsNull id显式为JSON null
func (id *RPCID) IsNull() bool {
	return id != nil && id.Key() == "null"
}

func (id *RPCID) String() string {
	if id == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return id.Key()
}

// MarshalJSON 原样输出底层JSON
func (id *RPCID) MarshalJSON() ([]byte, error) {
	if id == nil || len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON 原样保留底层JSON
func (id *RPCID) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid rpc id: %q", data)
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// LogEntry 一条被拦截的消息及其元数据
type LogEntry struct {
	// ID 进程内单调递增的条目序号
	ID uint64 `json:"id"`
	// SessionID 所属会话
	SessionID string `json:"session_id"`
	// Timestamp 拦截时刻（微秒，UNIX epoch）
	Timestamp int64 `json:"timestamp"`
	// Direction 消息流向
	Direction Direction `json:"direction"`
	// Content 帧的原始字节（UTF-8字符串，逐字节保留）
	Content string `json:"content"`
	// MessageType 内容类型（jsonrpc/raw/stderr）
	MessageType MessageType `json:"message_type"`
	// Method JSON-RPC方法名（若存在）
	Method string `json:"method,omitempty"`
	// RPCID JSON-RPC id（若存在，保留JSON类型）
	RPCID *RPCID `json:"rpc_id,omitempty"`
	// HasResult / HasError 响应角色判定依据
	HasResult bool `json:"-"`
	HasError  bool `json:"-"`
	// DurationMicros 仅响应条目：与匹配请求之间的往返耗时（微秒）
	DurationMicros *int64 `json:"duration_micros,omitempty"`
	// TokenCount 估算token数；stderr条目不设置
	TokenCount *int64 `json:"token_count,omitempty"`
	// ServerName 多服务器过滤用的服务器名
	ServerName string `json:"server_name,omitempty"`
	// Injected 由调试器注入而非真实客户端发出
	Injected bool `json:"injected,omitempty"`
}

// IsRequest 条目是JSON-RPC请求（有method且有id）
func (e *LogEntry) IsRequest() bool {
	return e.MessageType == MessageJSONRPC && e.Method != "" && e.RPCID != nil
}

// IsResponse 条目是JSON-RPC响应（无method、有id、有result或error）
func (e *LogEntry) IsResponse() bool {
	return e.MessageType == MessageJSONRPC && e.Method == "" && e.RPCID != nil &&
		(e.HasResult || e.HasError)
}

// IsNotification 条目是JSON-RPC通知（有method、无id）
func (e *LogEntry) IsNotification() bool {
	return e.MessageType == MessageJSONRPC && e.Method != "" && e.RPCID == nil
}

// JSONRPCRequest JSON-RPC 2.0 请求
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse JSON-RPC 2.0 响应
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError JSON-RPC 2.0 错误对象
type JSONRPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
