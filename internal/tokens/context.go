package tokens

import "encoding/json"

// CountMCPContext 估算一条MCP消息中真正进入LLM上下文的token数
//
// 只统计载荷内容，不含JSON-RPC协议开销：
//   - tools/call 请求：工具名与arguments
//   - sampling/createMessage 请求：systemPrompt与messages
//   - tools/list 响应：工具schema
//   - tools/call 响应：content数组
//   - 其余消息整体估算
func CountMCPContext(est Estimator, content []byte) int64 {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(content, &msg); err != nil {
		return est.Count(string(content))
	}

	var method string
	if raw, ok := msg["method"]; ok {
		_ = json.Unmarshal(raw, &method)
	}

	switch method {
	case "tools/call":
		return countToolsCallRequest(est, msg["params"])
	case "sampling/createMessage":
		return countSamplingRequest(est, msg["params"])
	}

	if raw, ok := msg["result"]; ok {
		return countResult(est, raw)
	}

	return est.Count(string(content))
}

func countToolsCallRequest(est Estimator, params json.RawMessage) int64 {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return est.Count(string(params))
	}
	total := est.Count(p.Name)
	if len(p.Arguments) > 0 {
		total += est.Count(string(p.Arguments))
	}
	if total == 0 {
		total = 1
	}
	return total
}

func countSamplingRequest(est Estimator, params json.RawMessage) int64 {
	var p struct {
		SystemPrompt string            `json:"systemPrompt"`
		Messages     []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return est.Count(string(params))
	}
	total := est.Count(p.SystemPrompt)
	for _, m := range p.Messages {
		total += est.Count(string(m))
	}
	if total == 0 {
		total = 1
	}
	return total
}

func countResult(est Estimator, result json.RawMessage) int64 {
	var r struct {
		Tools   []json.RawMessage `json:"tools"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(result, &r); err == nil {
		if len(r.Tools) > 0 {
			var total int64
			for _, t := range r.Tools {
				total += est.Count(string(t))
			}
			return total
		}
		if len(r.Content) > 0 {
			var total int64
			for _, c := range r.Content {
				total += est.Count(string(c))
			}
			return total
		}
	}
	return est.Count(string(result))
}
