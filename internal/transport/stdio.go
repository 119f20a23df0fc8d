package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/azerzeki/mcp-reticle/internal/pipeline"
	"github.com/azerzeki/mcp-reticle/internal/protocol"
	"github.com/azerzeki/mcp-reticle/internal/session"
)

// killGracePeriod SIGTERM后到SIGKILL的宽限期
const killGracePeriod = 2 * time.Second

// StdioConfig stdio传输配置
type StdioConfig struct {
	Command string
	Args    []string
	// WorkDir 子进程工作目录；为空继承当前目录
	WorkDir string

	// ClientIn / ClientOut / ClientErr 客户端侧的三个流；
	// 为nil时使用进程自身的标准流（CLI包裹模式）
	ClientIn  io.Reader
	ClientOut io.Writer
	ClientErr io.Writer

	// AllowCheck 命令白名单校验；为nil表示放行
	AllowCheck func(string) bool

	QueueSize int
}

// Stdio stdio传输：包裹一个MCP服务器子进程
//
// 三条管道被观测：子进程stdin写入客户端字节；
// stdout按direction=out/stream=stdout观测；stderr按stream=stderr观测。
// 转发路径逐字节透传，观测经非阻塞镜像流切帧。
type Stdio struct {
	lifecycle
	cfg   StdioConfig
	queue *frameQueue

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	waitDone chan struct{}
}

// NewStdio 创建stdio传输
func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.ClientIn == nil {
		cfg.ClientIn = os.Stdin
	}
	if cfg.ClientOut == nil {
		cfg.ClientOut = os.Stdout
	}
	if cfg.ClientErr == nil {
		cfg.ClientErr = os.Stderr
	}
	return &Stdio{
		cfg:   cfg,
		queue: newFrameQueue(cfg.QueueSize),
	}
}

// Kind 传输类别
func (t *Stdio) Kind() session.Kind {
	return session.KindStdio
}

// Incoming 观测帧通道
func (t *Stdio) Incoming() <-chan *protocol.Frame {
	return t.queue.frames()
}

// Dropped 因背压被丢弃的观测数
func (t *Stdio) Dropped() int64 {
	return t.queue.droppedCount()
}

// Attach 校验白名单、启动子进程并开始双向转发
func (t *Stdio) Attach(ctx context.Context) error {
	if !t.transition(StateIdle, StateAttaching) {
		return ErrAlreadyRunning
	}

	if t.cfg.AllowCheck != nil && !t.cfg.AllowCheck(t.cfg.Command) {
		t.force(StateClosed)
		return fmt.Errorf("%w: %s", ErrBadCommand, t.cfg.Command)
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		t.force(StateClosed)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.waitDone = make(chan struct{})
	t.mu.Unlock()

	t.force(StateActive)

	// 三条观测镜像流，每条配一个切帧协程
	inObs := newObsStream(&t.queue.dropped)
	outObs := newObsStream(&t.queue.dropped)
	errObs := newObsStream(&t.queue.dropped)

	go t.runFramer(inObs, protocol.DirectionIn, protocol.StreamStdout, nil)

	// 出方向的两个切帧协程须在退出通知前排空
	var framers sync.WaitGroup
	framers.Add(2)
	go t.runFramer(outObs, protocol.DirectionOut, protocol.StreamStdout, &framers)
	go t.runFramer(errObs, protocol.DirectionOut, protocol.StreamStderr, &framers)

	// 客户端→子进程：逐字节透传，观测走镜像
	go func() {
		_, _ = io.Copy(io.MultiWriter(stdin, inObs), t.cfg.ClientIn)
		_ = inObs.Close()
		_ = stdin.Close()
	}()

	// 子进程stdout→客户端
	var outputs sync.WaitGroup
	outputs.Add(2)
	go func() {
		defer outputs.Done()
		_, _ = io.Copy(io.MultiWriter(t.cfg.ClientOut, outObs), stdout)
		_ = outObs.Close()
	}()

	// 子进程stderr→客户端stderr
	go func() {
		defer outputs.Done()
		_, _ = io.Copy(io.MultiWriter(t.cfg.ClientErr, errObs), stderr)
		_ = errObs.Close()
	}()

	// 等待子进程退出；先等输出管道读尽、观测帧排空再Wait
	go func() {
		outputs.Wait()
		framers.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		} else {
			code = cmd.ProcessState.ExitCode()
		}

		t.queue.push(&protocol.Frame{
			Direction: protocol.DirectionOut,
			Stream:    protocol.StreamStderr,
			Data:      []byte(fmt.Sprintf("[process exited with code %d]", code)),
		})

		t.mu.Lock()
		close(t.waitDone)
		t.mu.Unlock()

		t.transition(StateActive, StateClosing)
		t.force(StateClosed)
		t.queue.close()
	}()

	return nil
}

// runFramer 在镜像流上切帧并投递观测队列
func (t *Stdio) runFramer(r io.Reader, dir protocol.Direction, stream protocol.StreamKind, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	framer := pipeline.NewLineFramer(r, dir, stream)
	for {
		frame, err := framer.Next()
		if frame != nil {
			t.queue.push(frame)
		}
		if err != nil {
			return
		}
	}
}

// Send 把一帧注入子进程stdin（客户端→服务器方向）
func (t *Stdio) Send(frame []byte) error {
	if t.State() != StateActive {
		return ErrNotRunning
	}

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}

	data := append(append([]byte(nil), frame...), '\n')
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	t.queue.push(&protocol.Frame{
		Direction: protocol.DirectionIn,
		Stream:    protocol.StreamStdout,
		Data:      append([]byte(nil), frame...),
		Injected:  true,
	})
	return nil
}

// Close 优雅关闭：SIGTERM，宽限期后SIGKILL；幂等
func (t *Stdio) Close() error {
	if !t.transition(StateActive, StateClosing) &&
		!t.transition(StateAttaching, StateClosing) {
		return nil
	}

	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	waitDone := t.waitDone
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
			<-waitDone
		}
	}

	return nil
}

var _ Transport = (*Stdio)(nil)
