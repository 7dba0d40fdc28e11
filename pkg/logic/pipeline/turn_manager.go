package pipeline

import (
	"context"
	"sync"

	"talkstream/internal/protocol/voice"
	"talkstream/pkg/logger"
	"talkstream/pkg/metrics"
)

// TurnState 定义轮次状态
type TurnState int

const (
	TurnStateIdle         TurnState = iota
	TurnStateAccumulating           // 正在接收用户音频
	TurnStateGenerating             // 生成或合成进行中
	TurnStateInterrupted            // 打断处理中
)

func (s TurnState) String() string {
	switch s {
	case TurnStateIdle:
		return "idle"
	case TurnStateAccumulating:
		return "accumulating"
	case TurnStateGenerating:
		return "generating"
	case TurnStateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Egress 轮次管理需要的出站能力，egress.Multiplexer 满足该接口
type Egress interface {
	SetMinTurn(turn int64)
	Drain() int
	SendEvent(evt voice.Event) error
}

// TurnManager 每个语音连接一个，保证任意时刻最多一个生成任务。
// 新任务开始前旧任务必须已经取消并退出，旧轮次尚未写出的帧被出站队列丢弃。
type TurnManager struct {
	egress  Egress
	metrics *metrics.Metrics

	// op 串行化 Begin/Interrupt/Close
	op sync.Mutex

	mu    sync.Mutex
	seq   int64
	state TurnState
	task  *Task
}

// NewTurnManager 创建轮次管理器
func NewTurnManager(egress Egress, m *metrics.Metrics) *TurnManager {
	return &TurnManager{egress: egress, metrics: m}
}

// State 当前状态
func (tm *TurnManager) State() TurnState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state
}

// CurrentTurn 最近一次开始的轮次序号，尚未开始时为 0
func (tm *TurnManager) CurrentTurn() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.seq
}

// Active 是否有未结束的生成任务
func (tm *TurnManager) Active() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.task != nil
}

// MarkAccumulating 收到音频分片时调用，生成进行中时保持原状态
func (tm *TurnManager) MarkAccumulating() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.state == TurnStateIdle {
		tm.state = TurnStateAccumulating
	}
}

// Begin 开始新一轮生成。进行中的任务先被取消并等待退出（隐式打断，不发送握手），返回新轮次序号
func (tm *TurnManager) Begin(ctx context.Context, fn func(ctx context.Context, turn int64)) int64 {
	tm.op.Lock()
	defer tm.op.Unlock()

	if prev := tm.detach(); prev != nil {
		logger.Info("turn %d superseded by a new utterance", prev.Turn())
		prev.CancelAndWait()
	}

	tm.mu.Lock()
	tm.seq++
	turn := tm.seq
	tm.state = TurnStateGenerating
	tm.mu.Unlock()

	tm.egress.SetMinTurn(turn)

	var task *Task
	ready := make(chan struct{})
	task = StartTask(ctx, turn, func(ctx context.Context) {
		<-ready
		defer tm.finish(task)
		fn(ctx, turn)
	})

	tm.mu.Lock()
	tm.task = task
	tm.mu.Unlock()
	close(ready)
	return turn
}

// Interrupt 处理客户端打断：取消并等待当前任务，清空出站队列，然后发送且只发送一次握手。
// 没有任务时同样发送握手
func (tm *TurnManager) Interrupt() error {
	tm.op.Lock()
	defer tm.op.Unlock()

	tm.mu.Lock()
	tm.state = TurnStateInterrupted
	tm.mu.Unlock()

	if prev := tm.detach(); prev != nil {
		prev.CancelAndWait()
		logger.Info("turn %d interrupted", prev.Turn())
	}
	tm.metrics.Interrupted()

	// 旧轮次的帧已在队列中，全部作废
	tm.mu.Lock()
	tm.egress.SetMinTurn(tm.seq + 1)
	tm.mu.Unlock()
	dropped := tm.egress.Drain()
	if dropped > 0 {
		logger.Debug("interrupt drained %d pending frames", dropped)
	}

	err := tm.egress.SendEvent(voice.InterruptionHandshake())

	tm.mu.Lock()
	tm.state = TurnStateIdle
	tm.mu.Unlock()
	return err
}

// Close 连接关闭时取消并等待当前任务
func (tm *TurnManager) Close() {
	tm.op.Lock()
	defer tm.op.Unlock()

	if prev := tm.detach(); prev != nil {
		prev.CancelAndWait()
	}
	tm.mu.Lock()
	tm.state = TurnStateIdle
	tm.mu.Unlock()
}

// detach 取出当前任务并清空引用
func (tm *TurnManager) detach() *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t := tm.task
	tm.task = nil
	return t
}

// finish 任务自然结束时回到空闲
func (tm *TurnManager) finish(t *Task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.task == t {
		tm.task = nil
		if tm.state == TurnStateGenerating {
			tm.state = TurnStateIdle
		}
	}
}
