package session

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 传输类别
type Kind string

const (
	KindStdio          Kind = "stdio"
	KindSSELegacy      Kind = "sse-legacy"
	KindStreamableHTTP Kind = "streamable-http"
	KindWebSocket      Kind = "websocket"
)

// ErrInvalidTag 标签规范化后不符合 [a-z0-9_-]+
var ErrInvalidTag = errors.New("invalid tag")

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NormalizeTag 规范化标签：小写并校验字符集
func NormalizeTag(tag string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(tag))
	if !tagPattern.MatchString(normalized) {
		return "", ErrInvalidTag
	}
	return normalized, nil
}

// Session 一次被观测的代理会话
type Session struct {
	// ID 128位加密随机标识
	ID string `json:"id"`
	// Name 人类可读的会话名
	Name string `json:"name"`
	// Kind 传输类别
	Kind Kind `json:"transport"`

	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	ServerCommand string `json:"server_command,omitempty"`

	// StartedAt / EndedAt 微秒时间戳
	StartedAt int64  `json:"started_at"`
	EndedAt   *int64 `json:"ended_at,omitempty"`
}

// New 创建会话，id为uuid v4，名字未指定时自动生成
func New(kind Kind, name string) *Session {
	if name == "" {
		name = GenerateName()
	}
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		StartedAt: time.Now().UnixMicro(),
	}
}

// End 标记会话结束（幂等）
func (s *Session) End() {
	if s.EndedAt != nil {
		return
	}
	now := time.Now().UnixMicro()
	s.EndedAt = &now
}
