package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

func classifyLine(t *testing.T, session string, dir protocol.Direction, line string) *protocol.LogEntry {
	t.Helper()
	return protocol.Classify(&protocol.Frame{
		Direction: dir,
		Stream:    protocol.StreamStdout,
		Data:      []byte(line),
	}, session)
}

// TestCorrelatorRoundTrip 测试请求响应匹配与耗时计算
func TestCorrelatorRoundTrip(t *testing.T) {
	c := NewCorrelator(0)

	req := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	req.ID = 1
	req.Timestamp = 1000
	synth := c.Observe(req)
	assert.Empty(t, synth)
	assert.Equal(t, 1, c.PendingCount("s1"))

	resp := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	resp.ID = 2
	resp.Timestamp = 3500
	c.Observe(resp)

	require.NotNil(t, resp.DurationMicros)
	assert.Equal(t, int64(2500), *resp.DurationMicros)
	assert.Equal(t, 0, c.PendingCount("s1"))
}

// TestCorrelatorUnmatchedResponse 测试无匹配请求的响应不设耗时
func TestCorrelatorUnmatchedResponse(t *testing.T) {
	c := NewCorrelator(0)

	resp := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	resp.Timestamp = 1000
	c.Observe(resp)

	assert.Nil(t, resp.DurationMicros)
}

// TestCorrelatorNotificationPassthrough 测试通知原样通过
func TestCorrelatorNotificationPassthrough(t *testing.T) {
	c := NewCorrelator(0)

	n := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	synth := c.Observe(n)

	assert.Empty(t, synth)
	assert.Equal(t, 0, c.PendingCount("s1"))
}

// TestCorrelatorDuplicateID 测试重复id淘汰旧请求并发出警告
func TestCorrelatorDuplicateID(t *testing.T) {
	c := NewCorrelator(0)

	first := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":7,"method":"a"}`)
	first.ID = 1
	first.Timestamp = 1000
	c.Observe(first)

	second := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":7,"method":"b"}`)
	second.ID = 2
	second.Timestamp = 2000
	synth := c.Observe(second)

	require.Len(t, synth, 1)
	assert.Equal(t, protocol.MessageStderr, synth[0].MessageType)
	assert.Contains(t, synth[0].Content, "duplicate-id-evicted")
	assert.Contains(t, synth[0].Content, "entry 1")
	assert.Equal(t, 1, c.PendingCount("s1"))

	// 响应匹配到第二个请求
	resp := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","id":7,"result":{}}`)
	resp.Timestamp = 5000
	c.Observe(resp)
	require.NotNil(t, resp.DurationMicros)
	assert.Equal(t, int64(3000), *resp.DurationMicros)
}

// TestCorrelatorOverflow 测试待匹配表溢出淘汰最旧
func TestCorrelatorOverflow(t *testing.T) {
	c := NewCorrelator(3)

	for i := 1; i <= 4; i++ {
		req := classifyLine(t, "s1", protocol.DirectionIn,
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"m"}`, i))
		req.ID = uint64(i)
		req.Timestamp = int64(i * 1000)
		synth := c.Observe(req)
		if i == 4 {
			require.Len(t, synth, 1)
			assert.True(t, strings.Contains(synth[0].Content, "correlator table overflow"))
		} else {
			assert.Empty(t, synth)
		}
	}

	assert.Equal(t, 3, c.PendingCount("s1"))

	// 最旧的id=1已被淘汰
	resp := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	resp.Timestamp = 9000
	c.Observe(resp)
	assert.Nil(t, resp.DurationMicros)
}

// TestCorrelatorSessionIsolation 测试会话之间互不影响
func TestCorrelatorSessionIsolation(t *testing.T) {
	c := NewCorrelator(0)

	req := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	req.Timestamp = 1000
	c.Observe(req)

	resp := classifyLine(t, "s2", protocol.DirectionOut, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	resp.Timestamp = 2000
	c.Observe(resp)

	assert.Nil(t, resp.DurationMicros)
	assert.Equal(t, 1, c.PendingCount("s1"))
}

// TestCorrelatorEndSession 测试会话结束清空待匹配表
func TestCorrelatorEndSession(t *testing.T) {
	c := NewCorrelator(0)

	req := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	req.Timestamp = 1000
	c.Observe(req)
	c.EndSession("s1")

	assert.Equal(t, 0, c.PendingCount("s1"))
}

// TestCorrelatorStringAndNumberIDs 测试字符串id与数字id互不混淆
func TestCorrelatorStringAndNumberIDs(t *testing.T) {
	c := NewCorrelator(0)

	numReq := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":1,"method":"a"}`)
	numReq.Timestamp = 1000
	c.Observe(numReq)

	strReq := classifyLine(t, "s1", protocol.DirectionIn, `{"jsonrpc":"2.0","id":"1","method":"b"}`)
	strReq.Timestamp = 2000
	c.Observe(strReq)

	assert.Equal(t, 2, c.PendingCount("s1"))

	resp := classifyLine(t, "s1", protocol.DirectionOut, `{"jsonrpc":"2.0","id":"1","result":{}}`)
	resp.Timestamp = 4000
	c.Observe(resp)
	require.NotNil(t, resp.DurationMicros)
	assert.Equal(t, int64(2000), *resp.DurationMicros)
	assert.Equal(t, 1, c.PendingCount("s1"))
}
