package llm

import (
	"context"
	"errors"
	"sync"

	"talkstream/pkg/logic/session"
)

var (
	// ErrTransient 生成服务的网络或服务端错误
	ErrTransient = errors.New("generation provider error")
	// ErrUnsupportedInput 当前后端无法处理的输入（例如纯文本模型收到音频）
	ErrUnsupportedInput = errors.New("unsupported generation input")
)

// Blob 随请求发送的二进制内容
type Blob struct {
	MIMEType string
	Data     []byte
}

// Request 一次生成请求
type Request struct {
	SystemPrompt string
	History      []session.Turn
	Text         string
	Blobs        []Blob
	Temperature  float32 // 0 表示使用模型默认值
}

// Stream 增量文本流。Fragment 之间互不重叠，拼接即为完整回复
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Generator 流式文本生成
type Generator interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// pipeStream 由生产协程写入、消费方拉取的 Stream
type pipeStream struct {
	ch     chan string
	cancel context.CancelFunc
	cur    string

	once sync.Once
	err  error
	done chan struct{}
}

func newPipeStream(cancel context.CancelFunc) *pipeStream {
	return &pipeStream{
		ch:     make(chan string, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// emit 生产方写入一个片段，ctx 取消时返回 false
func (p *pipeStream) emit(ctx context.Context, fragment string) bool {
	select {
	case p.ch <- fragment:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish 生产方结束写入。done 先于 ch 关闭，Next 返回 false 后 Err 一定可见
func (p *pipeStream) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
		close(p.ch)
	})
}

func (p *pipeStream) Next() bool {
	frag, ok := <-p.ch
	if !ok {
		return false
	}
	p.cur = frag
	return true
}

func (p *pipeStream) Fragment() string {
	return p.cur
}

func (p *pipeStream) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close 取消上游请求并等待生产协程退出
func (p *pipeStream) Close() error {
	p.cancel()
	for range p.ch {
	}
	return nil
}

// staticStream 预先给定片段的 Stream
type staticStream struct {
	fragments []string
	err       error
	idx       int
}

// NewStaticStream 返回依次产出 fragments、结束时报告 err 的 Stream
func NewStaticStream(fragments []string, err error) Stream {
	return &staticStream{fragments: fragments, err: err, idx: -1}
}

func (s *staticStream) Next() bool {
	if s.idx+1 >= len(s.fragments) {
		s.idx = len(s.fragments)
		return false
	}
	s.idx++
	return true
}

func (s *staticStream) Fragment() string {
	if s.idx < 0 || s.idx >= len(s.fragments) {
		return ""
	}
	return s.fragments[s.idx]
}

func (s *staticStream) Err() error {
	if s.idx >= len(s.fragments) {
		return s.err
	}
	return nil
}

func (s *staticStream) Close() error {
	return nil
}
