package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azerzeki/mcp-reticle/internal/config"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
	"github.com/azerzeki/mcp-reticle/internal/transport"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	store, err := recorder.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// 空白名单：测试命令全部放行
	c := New(&config.Config{FlushInterval: 10 * time.Millisecond, FlushBatch: 10}, store)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestControllerStdioLifecycle 测试stdio代理启动、注入、停止
func TestControllerStdioLifecycle(t *testing.T) {
	c := newTestController(t)

	sessionID, err := c.StartProxyStdio(context.Background(), "cat", nil, "echo-server", "")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	sess := c.ActiveSession()
	require.NotNil(t, sess)
	assert.Equal(t, sessionID, sess.ID)
	assert.Equal(t, "echo-server", sess.ServerName)

	// 重复启动报错
	_, err = c.StartProxyStdio(context.Background(), "cat", nil, "", "")
	assert.ErrorIs(t, err, transport.ErrAlreadyRunning)

	// 注入
	require.NoError(t, c.SendRawMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	require.NoError(t, c.StopProxy())
	assert.Nil(t, c.ActiveSession())

	assert.ErrorIs(t, c.StopProxy(), ErrNotRunning)
	assert.ErrorIs(t, c.SendRawMessage([]byte("x")), ErrNoActiveTransport)
}

// TestControllerBadCommand 测试白名单拒绝
func TestControllerBadCommand(t *testing.T) {
	store, err := recorder.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{AllowedCommands: []string{"npx"}}
	c := New(cfg, store)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.StartProxyStdio(context.Background(), "cat", nil, "", "")
	assert.ErrorIs(t, err, transport.ErrBadCommand)
	assert.Nil(t, c.ActiveSession())
}

// TestControllerRecordingFlow 测试录制命令流
func TestControllerRecordingFlow(t *testing.T) {
	c := newTestController(t)

	// 无代理时开始录制报错
	_, err := c.StartRecording("")
	assert.ErrorIs(t, err, ErrNotRunning)

	sessionID, err := c.StartProxyStdio(context.Background(), "cat", nil, "", "my-session")
	require.NoError(t, err)

	recordingID, err := c.StartRecording("take-1")
	require.NoError(t, err)
	assert.NotEmpty(t, recordingID)

	_, err = c.StartRecording("take-2")
	assert.ErrorIs(t, err, recorder.ErrAlreadyRecording)

	st := c.GetRecordingStatus()
	assert.True(t, st.IsRecording)
	assert.Equal(t, sessionID, st.SessionID)

	// 录制标签
	require.NoError(t, c.AddRecordingTag("Smoke-Test"))
	assert.Error(t, c.AddRecordingTag("bad tag"))

	// 驱动几条消息进入录制
	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendRawMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	}

	require.Eventually(t, func() bool {
		return c.GetRecordingStatus().MessageCount >= 3
	}, 3*time.Second, 20*time.Millisecond)

	meta, err := c.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, "take-1", meta.Name)
	assert.GreaterOrEqual(t, meta.MessageCount, int64(3))
	assert.Contains(t, meta.Tags, "smoke-test")

	_, err = c.StopRecording()
	assert.ErrorIs(t, err, recorder.ErrNotRecording)
	assert.ErrorIs(t, c.AddRecordingTag("x"), recorder.ErrNotRecording)

	require.NoError(t, c.StopProxy())

	// 录制后可查询、导出、删除
	list, err := c.ListRecordedSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sessionID, list[0].ID)

	gotMeta, entries, err := c.GetRecordedSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, meta.Name, gotMeta.Name)
	assert.NotEmpty(t, entries)

	dir := t.TempDir()
	require.NoError(t, c.ExportSession(sessionID, filepath.Join(dir, "s.json")))
	require.NoError(t, c.ExportSessionCSV(sessionID, filepath.Join(dir, "s.csv")))
	require.NoError(t, c.ExportSessionHAR(sessionID, filepath.Join(dir, "s.har")))

	require.NoError(t, c.DeleteRecordedSession(sessionID))
	assert.ErrorIs(t, c.DeleteRecordedSession(sessionID), ErrUnknownSession)
}

// TestControllerSessionTags 测试已录制会话的批量标签
func TestControllerSessionTags(t *testing.T) {
	c := newTestController(t)

	sessionID, err := c.StartProxyStdio(context.Background(), "cat", nil, "", "")
	require.NoError(t, err)
	_, err = c.StartRecording("")
	require.NoError(t, err)
	_, err = c.StopRecording()
	require.NoError(t, err)
	require.NoError(t, c.StopProxy())

	require.NoError(t, c.AddSessionTags(sessionID, []string{"Alpha", "beta"}))
	meta, _, err := c.GetRecordedSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, meta.Tags)

	require.NoError(t, c.RemoveSessionTags(sessionID, []string{"ALPHA"}))
	meta, _, err = c.GetRecordedSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, meta.Tags)

	assert.ErrorIs(t, c.AddSessionTags("missing", []string{"x"}), ErrUnknownSession)
	assert.Error(t, c.AddSessionTags(sessionID, []string{"bad tag"}))
}

// TestControllerUnknownSessionQueries 测试未知会话的查询与导出错误
func TestControllerUnknownSessionQueries(t *testing.T) {
	c := newTestController(t)

	_, _, err := c.GetRecordedSession("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)

	assert.ErrorIs(t, c.ExportSession("missing", filepath.Join(t.TempDir(), "x.json")), ErrUnknownSession)
}
