package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// MaxFrameSize 单帧上限，超长行在此边界切分
const MaxFrameSize = 16 * 1024 * 1024

// carry 上一次调用遗留的字节
type carry struct {
	data []byte
	// complete 字节已构成完整帧，不再等待终止符
	complete  bool
	truncated bool
}

// LineFramer 按行切分字节流
//
// 帧以'\n'结束，终止符被剥离，空帧被丢弃。
// 超过上限的行在边界处切分，前缀部分标记为截断；
// 流在行中途结束时，残余字节作为截断帧发出。
// 字节顺序原样保留，不做重编码。
type LineFramer struct {
	r         *bufio.Reader
	direction protocol.Direction
	stream    protocol.StreamKind
	maxSize   int
	leftover  *carry
}

// NewLineFramer 创建行切分器
func NewLineFramer(r io.Reader, dir protocol.Direction, stream protocol.StreamKind) *LineFramer {
	return &LineFramer{
		r:         bufio.NewReaderSize(r, 64*1024),
		direction: dir,
		stream:    stream,
		maxSize:   MaxFrameSize,
	}
}

// Next 返回下一帧；流结束返回io.EOF
func (f *LineFramer) Next() (*protocol.Frame, error) {
	var buf []byte

	if c := f.leftover; c != nil {
		f.leftover = nil
		if c.complete {
			if len(c.data) > f.maxSize {
				f.leftover = &carry{data: c.data[f.maxSize:], complete: true, truncated: c.truncated}
				return f.frame(c.data[:f.maxSize], true), nil
			}
			return f.frame(c.data, c.truncated), nil
		}
		buf = c.data
	}

	for {
		chunk, err := f.r.ReadSlice('\n')
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			line := bytes.TrimSuffix(buf, []byte{'\n'})
			line = bytes.TrimSuffix(line, []byte{'\r'})
			if len(line) == 0 {
				buf = buf[:0]
				continue
			}
			if len(line) > f.maxSize {
				f.leftover = &carry{data: clone(line[f.maxSize:]), complete: true}
				return f.frame(line[:f.maxSize], true), nil
			}
			return f.frame(line, false), nil

		case errors.Is(err, bufio.ErrBufferFull):
			// 行尚未结束；只有确定超过上限时才切分，
			// 恰好等于上限的前缀可能随下一个字节的'\n'构成合法整帧
			if len(buf) > f.maxSize {
				f.leftover = &carry{data: clone(buf[f.maxSize:])}
				return f.frame(buf[:f.maxSize], true), nil
			}
			continue

		default:
			if len(buf) == 0 {
				return nil, err
			}
			if len(buf) > f.maxSize {
				f.leftover = &carry{data: clone(buf[f.maxSize:]), complete: true, truncated: true}
				return f.frame(buf[:f.maxSize], true), nil
			}
			// 行中途遇到EOF，残余字节作为截断帧发出
			return f.frame(buf, true), nil
		}
	}
}

func (f *LineFramer) frame(data []byte, truncated bool) *protocol.Frame {
	return &protocol.Frame{
		Direction: f.direction,
		Stream:    f.stream,
		Data:      clone(data),
		Truncated: truncated,
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
