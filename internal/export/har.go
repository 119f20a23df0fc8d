package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// HAR 1.2 类型定义

// HARLog HAR文件顶层结构
type HARLog struct {
	Log HARLogContent `json:"log"`
}

// HARLogContent 日志内容与条目
type HARLogContent struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator 生成工具标识
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HAREntry 一次请求响应配对
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
	// Stderr 扩展字段：该条目来自stderr流
	Stderr bool `json:"_stderr,omitempty"`
}

// HARRequest 请求部分
type HARRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Headers     []HARHeader  `json:"headers"`
	QueryString []HARQuery   `json:"queryString"`
	PostData    *HARPostData `json:"postData,omitempty"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
}

// HARResponse 响应部分
type HARResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []HARHeader `json:"headers"`
	Content     HARContent  `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

// HARContent 响应体
type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// HARPostData 请求体
type HARPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// HARTimings 时间分解
type HARTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// HARHeader 单个头部
type HARHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HARQuery 查询参数
type HARQuery struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const mimeJSONRPC = "application/json"

// HAR 导出为HTTP Archive 1.2
//
// 每个匹配的请求响应对成为一个entry；未匹配的请求得到合成的0字节响应；
// stderr条目作为_stderr扩展条目并写入comment。time为duration_micros/1000毫秒。
func (x *Exporter) HAR(sessionID string) ([]byte, error) {
	meta, entries, err := x.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// 响应按(rpc_id)配对：每个key按到达顺序认领第一个未消费的响应
	type respSlot struct {
		entry *protocol.LogEntry
		used  bool
	}
	responses := make(map[string][]*respSlot)
	for _, e := range entries {
		if e.IsResponse() {
			key := e.RPCID.Key()
			responses[key] = append(responses[key], &respSlot{entry: e})
		}
	}
	claimResponse := func(key string) *protocol.LogEntry {
		for _, slot := range responses[key] {
			if !slot.used {
				slot.used = true
				return slot.entry
			}
		}
		return nil
	}

	harEntries := make([]HAREntry, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.MessageType == protocol.MessageStderr:
			harEntries = append(harEntries, stderrEntry(meta.ID, e))
		case e.IsRequest():
			resp := claimResponse(e.RPCID.Key())
			harEntries = append(harEntries, pairEntry(meta.ID, e, resp))
		case e.IsResponse():
			// 已在配对时消费；未被任何请求认领的响应不进入HAR
			continue
		default:
			// 通知与raw条目：合成0字节响应
			harEntries = append(harEntries, pairEntry(meta.ID, e, nil))
		}
	}

	har := &HARLog{
		Log: HARLogContent{
			Version: "1.2",
			Creator: HARCreator{Name: "reticle", Version: "1.0"},
			Entries: harEntries,
		},
	}

	out, err := json.MarshalIndent(har, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func harTimestamp(micros int64) string {
	return time.UnixMicro(micros).UTC().Format("2006-01-02T15:04:05.000000Z")
}

func entryURL(sessionID string, e *protocol.LogEntry) string {
	method := e.Method
	if method == "" {
		method = string(e.MessageType)
	}
	return fmt.Sprintf("mcp://%s/%s", sessionID, method)
}

func pairEntry(sessionID string, req *protocol.LogEntry, resp *protocol.LogEntry) HAREntry {
	method := req.Method
	if method == "" {
		method = "RAW"
	}

	entry := HAREntry{
		StartedDateTime: harTimestamp(req.Timestamp),
		Request: HARRequest{
			Method:      "POST",
			URL:         entryURL(sessionID, req),
			HTTPVersion: "HTTP/1.1",
			Headers:     []HARHeader{},
			QueryString: []HARQuery{},
			PostData: &HARPostData{
				MimeType: mimeJSONRPC,
				Text:     req.Content,
			},
			HeadersSize: -1,
			BodySize:    len(req.Content),
		},
		Timings: HARTimings{Send: 0, Wait: 0, Receive: 0},
		Comment: method,
	}

	if resp != nil {
		var waitMs float64
		if resp.DurationMicros != nil {
			waitMs = float64(*resp.DurationMicros) / 1000
		}
		entry.Time = waitMs
		entry.Timings.Wait = waitMs
		entry.Response = HARResponse{
			Status:      200,
			StatusText:  "OK",
			HTTPVersion: "HTTP/1.1",
			Headers:     []HARHeader{},
			Content: HARContent{
				Size:     len(resp.Content),
				MimeType: mimeJSONRPC,
				Text:     resp.Content,
			},
			HeadersSize: -1,
			BodySize:    len(resp.Content),
		}
		return entry
	}

	// 未匹配的请求：合成0字节响应
	entry.Response = HARResponse{
		Status:      0,
		StatusText:  "",
		HTTPVersion: "HTTP/1.1",
		Headers:     []HARHeader{},
		Content:     HARContent{Size: 0, MimeType: mimeJSONRPC},
		HeadersSize: -1,
		BodySize:    0,
	}
	return entry
}

func stderrEntry(sessionID string, e *protocol.LogEntry) HAREntry {
	return HAREntry{
		StartedDateTime: harTimestamp(e.Timestamp),
		Request: HARRequest{
			Method:      "STDERR",
			URL:         fmt.Sprintf("mcp://%s/stderr", sessionID),
			HTTPVersion: "HTTP/1.1",
			Headers:     []HARHeader{},
			QueryString: []HARQuery{},
			HeadersSize: -1,
			BodySize:    0,
		},
		Response: HARResponse{
			Status:      0,
			HTTPVersion: "HTTP/1.1",
			Headers:     []HARHeader{},
			Content:     HARContent{Size: 0, MimeType: "text/plain"},
			HeadersSize: -1,
			BodySize:    0,
		},
		Comment: e.Content,
		Stderr:  true,
	}
}
