package ingress

import (
	"sync"

	"talkstream/internal/protocol/wav"
)

// Accumulator 收集一次发言的原始 PCM 分片（16 kHz，单声道，16 位小端）。
// 缓冲区没有上限，客户端不发送 end_audio 时内存会持续增长。
type Accumulator struct {
	mu     sync.Mutex
	buf    []byte
	chunks int
}

// NewAccumulator 创建空的累积器
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append 追加一个分片，调用方之后可以复用 chunk
func (a *Accumulator) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	a.buf = append(a.buf, chunk...)
	a.chunks++
	a.mu.Unlock()
}

// Finalize 取走当前缓冲并封装为 WAV 容器，缓冲区随即被替换为空。
// 缓冲为空时返回 false，调用方不应启动任何下游处理。
func (a *Accumulator) Finalize() (*wav.Container, bool) {
	a.mu.Lock()
	payload := a.buf
	a.buf = nil
	a.chunks = 0
	a.mu.Unlock()

	if len(payload) == 0 {
		return nil, false
	}
	return wav.NewVoiceContainer(payload), true
}

// Reset 丢弃已累积的数据
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf = nil
	a.chunks = 0
	a.mu.Unlock()
}

// Len 当前累积的字节数
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Chunks 当前累积的分片数
func (a *Accumulator) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks
}
