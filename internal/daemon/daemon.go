package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/azerzeki/mcp-reticle/internal/bus"
	"github.com/azerzeki/mcp-reticle/internal/control"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
)

// Request 控制API请求，按行分隔的JSON
type Request struct {
	ID      int64           `json:"id,omitempty"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response 控制API响应
type Response struct {
	ID     int64       `json:"id,omitempty"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server 把控制API暴露在unix域套接字上
//
// 每个连接是按行分隔的JSON请求/响应流；subscribe命令把连接
// 切换为事件推送模式，持续输出总线事件。
type Server struct {
	controller *control.Controller
	socketPath string

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer 创建daemon服务器
func NewServer(controller *control.Controller, socketPath string) *Server {
	return &Server{controller: controller, socketPath: socketPath}
}

// Listen 绑定套接字并开始接受连接（阻塞）
func (s *Server) Listen(ctx context.Context) error {
	// 清理遗留的套接字文件
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind socket %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	log.Printf("daemon listening at %s", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close 停止监听并删除套接字文件
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = encoder.Encode(Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		if req.Command == "subscribe" {
			_ = encoder.Encode(Response{ID: req.ID, OK: true, Result: "subscribed"})
			s.streamEvents(ctx, encoder)
			return
		}

		resp := s.dispatch(ctx, &req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

// streamEvents 把总线事件持续写给连接，直到连接或总线关闭
func (s *Server) streamEvents(ctx context.Context, encoder *json.Encoder) {
	var sub *bus.Subscriber = s.controller.Bus().Subscribe()
	defer s.controller.Bus().Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := encoder.Encode(ev); err != nil {
				return
			}
		}
	}
}

// dispatch 把命令映射到控制器调用
func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	result, err := s.execute(ctx, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) execute(ctx context.Context, req *Request) (interface{}, error) {
	switch req.Command {
	case "start_proxy_stdio":
		var args struct {
			Command     string   `json:"command"`
			Args        []string `json:"args"`
			ServerName  string   `json:"server_name"`
			SessionName string   `json:"session_name"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.controller.StartProxyStdio(ctx, args.Command, args.Args, args.ServerName, args.SessionName)

	case "start_proxy_remote":
		var args struct {
			UpstreamURL string `json:"upstream_url"`
			LocalPort   int    `json:"local_port"`
			ServerName  string `json:"server_name"`
			SessionName string `json:"session_name"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.controller.StartProxyRemote(ctx, args.UpstreamURL, args.LocalPort, args.ServerName, args.SessionName)

	case "stop_proxy":
		return nil, s.controller.StopProxy()

	case "send_raw_message":
		var args struct {
			Message string `json:"message"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.controller.SendRawMessage([]byte(args.Message))

	case "start_recording":
		var args struct {
			SessionName string `json:"session_name"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.controller.StartRecording(args.SessionName)

	case "stop_recording":
		return s.controller.StopRecording()

	case "get_recording_status":
		return s.controller.GetRecordingStatus(), nil

	case "add_recording_tag", "remove_recording_tag":
		var args struct {
			Tag string `json:"tag"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if req.Command == "add_recording_tag" {
			return nil, s.controller.AddRecordingTag(args.Tag)
		}
		return nil, s.controller.RemoveRecordingTag(args.Tag)

	case "add_session_tags", "remove_session_tags":
		var args struct {
			SessionID string   `json:"session_id"`
			Tags      []string `json:"tags"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if req.Command == "add_session_tags" {
			return nil, s.controller.AddSessionTags(args.SessionID, args.Tags)
		}
		return nil, s.controller.RemoveSessionTags(args.SessionID, args.Tags)

	case "list_recorded_sessions":
		var filter recorder.Filter
		if len(req.Args) > 0 {
			if err := unmarshalArgs(req.Args, &filter); err != nil {
				return nil, err
			}
			return s.controller.ListRecordedSessionsFiltered(&filter)
		}
		return s.controller.ListRecordedSessions()

	case "get_recorded_session":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		meta, entries, err := s.controller.GetRecordedSession(args.SessionID)
		if err != nil {
			return nil, err
		}
		return struct {
			Metadata *recorder.SessionMetadata `json:"metadata"`
			Entries  []*protocol.LogEntry      `json:"entries"`
		}{meta, entries}, nil

	case "delete_recorded_session":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.controller.DeleteRecordedSession(args.SessionID)

	case "export_session", "export_session_csv", "export_session_har":
		var args struct {
			SessionID string `json:"session_id"`
			Path      string `json:"path"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		switch req.Command {
		case "export_session":
			return nil, s.controller.ExportSession(args.SessionID, args.Path)
		case "export_session_csv":
			return nil, s.controller.ExportSessionCSV(args.SessionID, args.Path)
		default:
			return nil, s.controller.ExportSessionHAR(args.SessionID, args.Path)
		}

	case "get_session_metrics":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.controller.SessionMetrics(args.SessionID)

	case "get_token_stats":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.controller.TokenStats(args.SessionID), nil

	case "get_all_tags":
		return s.controller.AllTags()

	case "get_all_server_names":
		return s.controller.AllServerNames()

	default:
		return nil, fmt.Errorf("unknown command: %s", req.Command)
	}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}
