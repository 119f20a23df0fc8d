package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/azerzeki/mcp-reticle/internal/bus"
	"github.com/azerzeki/mcp-reticle/internal/config"
	"github.com/azerzeki/mcp-reticle/internal/export"
	"github.com/azerzeki/mcp-reticle/internal/pipeline"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
	"github.com/azerzeki/mcp-reticle/internal/session"
	"github.com/azerzeki/mcp-reticle/internal/tokens"
	"github.com/azerzeki/mcp-reticle/internal/transport"
)

var (
	// ErrNotRunning 没有运行中的代理
	ErrNotRunning = errors.New("proxy not running")
	// ErrNoActiveTransport 没有可注入的活跃传输
	ErrNoActiveTransport = errors.New("no active transport")
	// ErrUnknownSession 未知会话
	ErrUnknownSession = session.ErrUnknownSession
)

// activeProxy 当前运行的代理
type activeProxy struct {
	sess      *session.Session
	tr        transport.Transport
	drainDone chan struct{}
}

// Controller 控制面：把命令映射到注册表、传输、录制器与导出器
//
// 活跃会话与活跃录制由控制器持有的注册表管理，不使用进程级单例。
type Controller struct {
	cfg      *config.Config
	bus      *bus.Bus
	pipe     *pipeline.Pipeline
	recorder *recorder.Recorder
	store    *recorder.Store
	exporter *export.Exporter
	registry *session.Registry

	cancelRun context.CancelFunc

	mu     sync.Mutex
	active *activeProxy
}

// New 创建控制器并启动录制器的事件消费
func New(cfg *config.Config, store *recorder.Store) *Controller {
	b := bus.New(cfg.BusCapacity)
	c := &Controller{
		cfg:      cfg,
		bus:      b,
		pipe:     pipeline.New(b, tokens.NewEstimator(cfg.TokenEncoding), cfg.PendingTableCap),
		recorder: recorder.New(store, b, cfg.FlushInterval, cfg.FlushBatch),
		store:    store,
		exporter: export.NewExporter(store),
		registry: session.NewRegistry(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	go c.recorder.Run(ctx)

	return c
}

// Bus 事件总线（UI订阅入口）
func (c *Controller) Bus() *bus.Bus {
	return c.bus
}

// StartProxyStdio 启动stdio代理
func (c *Controller) StartProxyStdio(ctx context.Context, command string, args []string, serverName, sessionName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return "", transport.ErrAlreadyRunning
	}

	sess := session.New(session.KindStdio, sessionName)
	sess.ServerName = serverName
	sess.ServerCommand = commandLine(command, args)

	tr := transport.NewStdio(transport.StdioConfig{
		Command:    command,
		Args:       args,
		AllowCheck: c.cfg.IsCommandAllowed,
		QueueSize:  c.cfg.ObservationQueue,
	})
	if err := tr.Attach(ctx); err != nil {
		return "", err
	}

	c.wireLocked(sess, tr)
	return sess.ID, nil
}

// StartProxyRemote 启动远程代理，按URL自动选择传输
//
// 上游探测是网络调用，不在锁内进行。
func (c *Controller) StartProxyRemote(ctx context.Context, upstreamURL string, localPort int, serverName, sessionName string) (string, error) {
	c.mu.Lock()
	busy := c.active != nil
	c.mu.Unlock()
	if busy {
		return "", transport.ErrAlreadyRunning
	}

	kind, err := transport.Detect(ctx, upstreamURL)
	if err != nil {
		return "", err
	}

	var tr transport.Transport
	switch kind {
	case session.KindWebSocket:
		tr = transport.NewWS(transport.WSConfig{
			UpstreamURL: upstreamURL,
			ListenPort:  localPort,
			QueueSize:   c.cfg.ObservationQueue,
		})
	case session.KindSSELegacy:
		tr = transport.NewSSELegacy(transport.SSEConfig{
			UpstreamURL: upstreamURL,
			ListenPort:  localPort,
			CORSOrigins: c.cfg.CORSOrigins,
			QueueSize:   c.cfg.ObservationQueue,
		})
	default:
		tr = transport.NewStreamable(transport.StreamableConfig{
			UpstreamURL: upstreamURL,
			ListenPort:  localPort,
			CORSOrigins: c.cfg.CORSOrigins,
			QueueSize:   c.cfg.ObservationQueue,
		})
	}

	sess := session.New(kind, sessionName)
	sess.ServerName = serverName
	sess.ServerCommand = upstreamURL

	if err := tr.Attach(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		_ = tr.Close()
		return "", transport.ErrAlreadyRunning
	}
	c.wireLocked(sess, tr)
	c.mu.Unlock()
	return sess.ID, nil
}

// wireLocked 登记会话、广播session-start并启动观测排空协程
func (c *Controller) wireLocked(sess *session.Session, tr transport.Transport) {
	c.registry.Add(sess)

	c.bus.Publish(bus.Event{
		Type:        bus.EventSessionStart,
		SessionID:   sess.ID,
		Timestamp:   sess.StartedAt,
		SessionName: sess.Name,
		Transport:   string(sess.Kind),
		ServerName:  sess.ServerName,
	})

	active := &activeProxy{sess: sess, tr: tr, drainDone: make(chan struct{})}
	c.active = active

	go func() {
		defer close(active.drainDone)
		c.pipe.Drain(sess.ID, sess.ServerName, tr.Incoming())

		// 传输关闭：结束会话并广播
		sess.End()
		c.pipe.EndSession(sess.ID)
		c.registry.Remove(sess.ID)
		c.bus.Publish(bus.Event{
			Type:      bus.EventSessionEnd,
			SessionID: sess.ID,
		})

		c.mu.Lock()
		if c.active == active {
			c.active = nil
		}
		c.mu.Unlock()
	}()
}

func commandLine(command string, args []string) string {
	line := command
	for _, a := range args {
		line += " " + a
	}
	return line
}

// StopProxy 停止当前代理
func (c *Controller) StopProxy() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return ErrNotRunning
	}

	if err := active.tr.Close(); err != nil {
		return err
	}

	select {
	case <-active.drainDone:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("drain timed out")
	}
	return nil
}

// SendRawMessage 把原始字节注入活跃传输的客户端→服务器方向
func (c *Controller) SendRawMessage(frame []byte) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return ErrNoActiveTransport
	}
	return active.tr.Send(frame)
}

// ActiveSession 当前活跃会话（无则nil）
func (c *Controller) ActiveSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.sess
}

// StartRecording 为活跃会话开启录制
func (c *Controller) StartRecording(name string) (string, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return "", ErrNotRunning
	}

	rec, err := c.recorder.Start(active.sess, name)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// StopRecording 停止活跃录制并返回封存的元数据
func (c *Controller) StopRecording() (*recorder.SessionMetadata, error) {
	st := c.recorder.Status()
	if !st.IsRecording {
		return nil, recorder.ErrNotRecording
	}
	return c.recorder.Stop(st.SessionID)
}

// GetRecordingStatus 录制状态快照
func (c *Controller) GetRecordingStatus() recorder.Status {
	return c.recorder.Status()
}

// AddRecordingTag 给录制中的会话打标签
func (c *Controller) AddRecordingTag(tag string) error {
	st := c.recorder.Status()
	if !st.IsRecording {
		return recorder.ErrNotRecording
	}
	return c.recorder.AddTag(st.SessionID, tag)
}

// RemoveRecordingTag 移除录制中会话的标签
func (c *Controller) RemoveRecordingTag(tag string) error {
	st := c.recorder.Status()
	if !st.IsRecording {
		return recorder.ErrNotRecording
	}
	return c.recorder.RemoveTag(st.SessionID, tag)
}

// AddSessionTags 给已录制会话批量打标签
func (c *Controller) AddSessionTags(sessionID string, tags []string) error {
	normalized, err := normalizeTags(tags)
	if err != nil {
		return err
	}
	if err := c.ensureStored(sessionID); err != nil {
		return err
	}
	return c.store.AddTags(sessionID, normalized)
}

// RemoveSessionTags 移除已录制会话的批量标签
func (c *Controller) RemoveSessionTags(sessionID string, tags []string) error {
	normalized, err := normalizeTags(tags)
	if err != nil {
		return err
	}
	if err := c.ensureStored(sessionID); err != nil {
		return err
	}
	return c.store.RemoveTags(sessionID, normalized)
}

func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized, err := session.NormalizeTag(tag)
		if err != nil {
			return nil, err
		}
		out = append(out, normalized)
	}
	return out, nil
}

func (c *Controller) ensureStored(sessionID string) error {
	exists, err := c.store.Exists(sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownSession
	}
	return nil
}

// ListRecordedSessions 已录制会话列表（最新在前）
func (c *Controller) ListRecordedSessions() ([]*recorder.SessionMetadata, error) {
	return c.store.List()
}

// ListRecordedSessionsFiltered 过滤后的列表
func (c *Controller) ListRecordedSessionsFiltered(filter *recorder.Filter) ([]*recorder.SessionMetadata, error) {
	return c.store.ListFiltered(filter)
}

// GetRecordedSession 单个已录制会话与其全部条目
func (c *Controller) GetRecordedSession(sessionID string) (*recorder.SessionMetadata, []*protocol.LogEntry, error) {
	meta, entries, err := c.store.Get(sessionID)
	if errors.Is(err, recorder.ErrSessionNotFound) {
		return nil, nil, ErrUnknownSession
	}
	return meta, entries, err
}

// DeleteRecordedSession 删除已录制会话
func (c *Controller) DeleteRecordedSession(sessionID string) error {
	err := c.store.Delete(sessionID)
	if errors.Is(err, recorder.ErrSessionNotFound) {
		return ErrUnknownSession
	}
	return err
}

// ExportSession 导出为JSON
func (c *Controller) ExportSession(sessionID, path string) error {
	return c.exportAs(sessionID, path, export.FormatJSON)
}

// ExportSessionCSV 导出为CSV
func (c *Controller) ExportSessionCSV(sessionID, path string) error {
	return c.exportAs(sessionID, path, export.FormatCSV)
}

// ExportSessionHAR 导出为HAR
func (c *Controller) ExportSessionHAR(sessionID, path string) error {
	return c.exportAs(sessionID, path, export.FormatHAR)
}

func (c *Controller) exportAs(sessionID, path string, format export.Format) error {
	err := c.exporter.Write(sessionID, path, format)
	if errors.Is(err, recorder.ErrSessionNotFound) {
		return ErrUnknownSession
	}
	return err
}

// SessionMetrics 录制会话的延迟与吞吐指标
func (c *Controller) SessionMetrics(sessionID string) (*recorder.SessionMetrics, error) {
	_, entries, err := c.GetRecordedSession(sessionID)
	if err != nil {
		return nil, err
	}
	return recorder.NewAnalyzer(entries).Metrics(), nil
}

// TokenStats 会话token统计
func (c *Controller) TokenStats(sessionID string) *tokens.SessionStats {
	return c.pipe.TokenStats(sessionID)
}

// AllTags 全库标签
func (c *Controller) AllTags() ([]string, error) {
	return c.store.AllTags()
}

// AllServerNames 全库服务器名
func (c *Controller) AllServerNames() ([]string, error) {
	return c.store.AllServerNames()
}

// Close 停止代理、关闭总线
func (c *Controller) Close() error {
	_ = c.StopProxy()
	if st := c.recorder.Status(); st.IsRecording {
		_, _ = c.recorder.Stop(st.SessionID)
	}
	c.cancelRun()
	c.bus.Close()
	return nil
}
