package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// TruncationMarker 追加在被截断帧内容末尾的标记
const TruncationMarker = " [truncated]"

// envelope JSON-RPC外层结构，用RawMessage区分字段缺失与显式null
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  json.RawMessage `json:"method"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Classify 将一个帧归类为LogEntry骨架
//
// 规则按序判定：
//  1. stderr流不做解析，message_type=stderr
//  2. 非JSON内容降级为raw
//  3. 带 "jsonrpc":"2.0" 且存在 method/result/error 之一的对象为jsonrpc，
//     提取method与id（id保留JSON类型）
//  4. 其余JSON形状为raw
//
// 归类从不失败；除截断帧在Content末尾追加TruncationMarker外，不修改Content。
func Classify(frame *Frame, sessionID string) *LogEntry {
	entry := &LogEntry{
		SessionID: sessionID,
		Direction: frame.Direction,
		Content:   string(frame.Data),
		Injected:  frame.Injected,
	}

	if frame.Truncated {
		entry.Content += TruncationMarker
	}

	if frame.Stream == StreamStderr {
		entry.MessageType = MessageStderr
		return entry
	}

	if frame.Truncated {
		entry.MessageType = MessageRaw
		return entry
	}

	// 仅在解析时替换非法UTF-8序列，Content仍保留原始字节
	data := frame.Data
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		entry.MessageType = MessageRaw
		return entry
	}

	hasMethod := len(env.Method) > 0
	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0

	if env.JSONRPC != "2.0" || (!hasMethod && !hasResult && !hasError) {
		entry.MessageType = MessageRaw
		return entry
	}

	entry.MessageType = MessageJSONRPC
	entry.HasResult = hasResult
	entry.HasError = hasError

	if hasMethod {
		var method string
		if err := json.Unmarshal(env.Method, &method); err == nil {
			entry.Method = method
		}
	}
	if len(env.ID) > 0 {
		entry.RPCID = NewRPCID(env.ID)
	}

	return entry
}

// SyntheticStderr 构造一条管线自身产生的stderr条目（进程退出、表溢出等）
func SyntheticStderr(sessionID string, text string) *LogEntry {
	return &LogEntry{
		SessionID:   sessionID,
		Direction:   DirectionOut,
		Content:     text,
		MessageType: MessageStderr,
	}
}
