package tokens

import (
	"log"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator token估算器
type Estimator interface {
	// Count 估算文本的token数，返回非负整数
	Count(text string) int64
}

// HeuristicEstimator 字符启发式估算器，约4字符1个token
type HeuristicEstimator struct{}

// Count 按 ceil(字符数/4) 估算
func (HeuristicEstimator) Count(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + 3) / 4
}

// BPEEstimator 基于tiktoken编码表的真实BPE估算器
type BPEEstimator struct {
	enc *tiktoken.Tiktoken
}

// Count 编码后取token序列长度
func (e *BPEEstimator) Count(text string) int64 {
	return int64(len(e.enc.Encode(text, nil, nil)))
}

// NewEstimator 按配置的编码名构造估算器
//
// encoding为空使用启发式；否则加载对应的tiktoken编码表，
// 加载失败时回退到cl100k_base，再失败则回退启发式。
func NewEstimator(encoding string) Estimator {
	if encoding == "" {
		return HeuristicEstimator{}
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		log.Printf("token encoding %q unavailable, falling back to heuristic: %v", encoding, err)
		return HeuristicEstimator{}
	}
	return &BPEEstimator{enc: enc}
}
