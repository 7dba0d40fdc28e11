package egress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"talkstream/internal/protocol/voice"
	"talkstream/pkg/logger"
	"talkstream/pkg/metrics"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("egress closed")

// Conn 发送端需要的 WebSocket 能力，*websocket.Conn 满足该接口
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Options 发送端配置
type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration // <=0 不发送 ping
	Metrics      *metrics.Metrics
}

// frame 出站队列中的一项。turn 为 0 表示不属于任何生成轮次，不会因轮次过期被丢弃
type frame struct {
	kind int
	data []byte
	turn int64
	end  bool
}

// Multiplexer 每个连接一个的有序出站队列，由唯一的发送协程写出。
// 入队从不阻塞，发送顺序与入队顺序一致。
type Multiplexer struct {
	conn    Conn
	opts    Options
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   []frame
	closing bool
	signal  chan struct{}

	minTurn atomic.Int64
	started atomic.Bool
	done    chan struct{}
	err     error
}

// New 创建出站队列，调用 Start 后开始发送
func New(conn Conn, opts Options) *Multiplexer {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Multiplexer{
		conn:    conn,
		opts:    opts,
		metrics: opts.Metrics,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start 启动发送协程，重复调用无效
func (m *Multiplexer) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// SendEvent 入队一个与轮次无关的 JSON 事件
func (m *Multiplexer) SendEvent(evt voice.Event) error {
	return m.SendTurnEvent(0, evt)
}

// SendTurnEvent 入队一个属于 turn 的 JSON 事件
func (m *Multiplexer) SendTurnEvent(turn int64, evt voice.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return m.enqueue(frame{kind: websocket.TextMessage, data: data, turn: turn})
}

// SendAudio 入队一个属于 turn 的音频帧
func (m *Multiplexer) SendAudio(turn int64, audio []byte) error {
	return m.enqueue(frame{kind: websocket.BinaryMessage, data: audio, turn: turn})
}

// SendBinary 入队一个与轮次无关的二进制帧
func (m *Multiplexer) SendBinary(data []byte) error {
	return m.SendAudio(0, data)
}

func (m *Multiplexer) enqueue(f frame) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Multiplexer) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// SetMinTurn 之后所有小于 turn 的轮次帧在写出前被丢弃
func (m *Multiplexer) SetMinTurn(turn int64) {
	m.minTurn.Store(turn)
}

// Drain 非阻塞地清空尚未发送的帧，返回丢弃的数量。结束标记会被保留。
func (m *Multiplexer) Drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	dropped := 0
	for _, f := range m.queue {
		if f.end {
			kept = append(kept, f)
			continue
		}
		dropped++
	}
	m.queue = kept
	m.metrics.FramesDiscarded(dropped)
	return dropped
}

// Pending 尚未发送的帧数
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	if m.closing && n > 0 {
		n--
	}
	return n
}

// Close 入队结束标记。发送协程写完标记之前的所有帧后退出
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.queue = append(m.queue, frame{end: true})
	m.mu.Unlock()
	m.notify()
}

// Done 发送协程退出时关闭
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err 发送协程因写失败退出时的错误
func (m *Multiplexer) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Multiplexer) pop() (frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return frame{}, false
	}
	f := m.queue[0]
	m.queue[0] = frame{}
	m.queue = m.queue[1:]
	return f, true
}

func (m *Multiplexer) run() {
	defer close(m.done)

	var ping <-chan time.Time
	if m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		f, ok := m.pop()
		if !ok {
			select {
			case <-m.signal:
			case <-ping:
				if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
					m.fail(err)
					return
				}
			}
			continue
		}

		if f.end {
			return
		}
		if f.turn != 0 && f.turn < m.minTurn.Load() {
			m.metrics.FramesDiscarded(1)
			continue
		}
		if err := m.write(f); err != nil {
			m.fail(err)
			return
		}
	}
}

func (m *Multiplexer) write(f frame) error {
	if err := m.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := m.conn.WriteMessage(f.kind, f.data); err != nil {
		return err
	}
	m.metrics.FrameSent()
	return nil
}

// fail 记录写错误并拒绝后续入队
func (m *Multiplexer) fail(err error) {
	logger.Warn("egress sender stopped: %v", err)
	m.mu.Lock()
	m.err = err
	m.closing = true
	m.queue = nil
	m.mu.Unlock()
}
