package pipeline

import (
	"context"
	"time"

	"talkstream/pkg/logger"

	"go.uber.org/zap"
)

// Task 一次生成任务：生成、拆句与合成都在它的 ctx 下运行
type Task struct {
	turn    int64
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartTask 在新协程中运行 fn，fn 返回即任务结束
func StartTask(parent context.Context, turn int64, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		turn:    turn,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.With(zap.Int64("turn", turn), zap.Any("panic", r), zap.Stack("stack")).Error("generation task panicked")
			}
		}()
		fn(ctx)
	}()
	return t
}

// Turn 任务所属轮次
func (t *Task) Turn() int64 {
	return t.turn
}

// Started 任务开始时间
func (t *Task) Started() time.Time {
	return t.started
}

// Cancel 请求取消，不等待
func (t *Task) Cancel() {
	t.cancel()
}

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// CancelAndWait 取消并等待任务完全退出
func (t *Task) CancelAndWait() {
	t.cancel()
	<-t.done
}
