package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
)

// Format 导出格式
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatHAR  Format = "har"
)

// Exporter 把录制的会话渲染为JSON/CSV/HAR
//
// 相同输入的导出字节级确定：对象键按字典序排列，条目顺序与录制一致。
type Exporter struct {
	store *recorder.Store
}

// NewExporter 创建导出器
func NewExporter(store *recorder.Store) *Exporter {
	return &Exporter{store: store}
}

// Document JSON导出的顶层结构（键按字典序）
type Document struct {
	Entries  []*Entry                  `json:"entries"`
	Metadata *recorder.SessionMetadata `json:"metadata"`
}

// Entry JSON导出的条目结构（键按字典序）
type Entry struct {
	Content        string          `json:"content"`
	Direction      string          `json:"direction"`
	DurationMicros *int64          `json:"duration_micros,omitempty"`
	ID             uint64          `json:"id"`
	Injected       bool            `json:"injected,omitempty"`
	MessageType    string          `json:"message_type"`
	Method         string          `json:"method,omitempty"`
	RPCID          *protocol.RPCID `json:"rpc_id,omitempty"`
	SessionID      string          `json:"session_id"`
	Timestamp      int64           `json:"timestamp"`
	TokenCount     *int64          `json:"token_count,omitempty"`
}

func toEntry(e *protocol.LogEntry) *Entry {
	return &Entry{
		Content:        e.Content,
		Direction:      string(e.Direction),
		DurationMicros: e.DurationMicros,
		ID:             e.ID,
		Injected:       e.Injected,
		MessageType:    string(e.MessageType),
		Method:         e.Method,
		RPCID:          e.RPCID,
		SessionID:      e.SessionID,
		Timestamp:      e.Timestamp,
		TokenCount:     e.TokenCount,
	}
}

// JSON 导出为两空格缩进的JSON，时间戳一律为微秒
func (x *Exporter) JSON(sessionID string) ([]byte, error) {
	meta, entries, err := x.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Entries:  make([]*Entry, 0, len(entries)),
		Metadata: meta,
	}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, toEntry(e))
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// csvHeader CSV导出的固定表头
var csvHeader = []string{
	"timestamp_us", "direction", "message_type", "method",
	"rpc_id", "duration_us", "token_count", "content",
}

// CSV 导出为CSV，content经JSON字符串化以安全嵌入
func (x *Exporter) CSV(sessionID string) ([]byte, error) {
	_, entries, err := x.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for _, e := range entries {
		var rpcID string
		if e.RPCID != nil {
			if raw, err := json.Marshal(e.RPCID); err == nil {
				rpcID = string(raw)
			}
		}
		var duration string
		if e.DurationMicros != nil {
			duration = strconv.FormatInt(*e.DurationMicros, 10)
		}
		var tokenCount string
		if e.TokenCount != nil {
			tokenCount = strconv.FormatInt(*e.TokenCount, 10)
		}
		content, err := json.Marshal(e.Content)
		if err != nil {
			return nil, err
		}

		row := []string{
			strconv.FormatInt(e.Timestamp, 10),
			string(e.Direction),
			string(e.MessageType),
			e.Method,
			rpcID,
			duration,
			tokenCount,
			string(content),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write 渲染会话并写入文件
func (x *Exporter) Write(sessionID, path string, format Format) error {
	var data []byte
	var err error
	switch format {
	case FormatJSON:
		data, err = x.JSON(sessionID)
	case FormatCSV:
		data, err = x.CSV(sessionID)
	case FormatHAR:
		data, err = x.HAR(sessionID)
	default:
		return fmt.Errorf("unknown export format: %s", format)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
