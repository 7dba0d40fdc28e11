package offload

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool 有界的阻塞调用执行池。
// 阻塞的第三方 SDK 调用在池中的协程上运行，调用方通过带缓冲的 channel 等待结果，同时响应 ctx 取消。
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool 创建最多 size 个并发任务的执行池
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size), size: size}
}

// Size 并发上限
func (p *Pool) Size() int64 {
	return p.size
}

type result[T any] struct {
	val T
	err error
}

// Do 在池中执行 fn 并等待结果。
// ctx 取消时立即返回 ctx.Err()；fn 会在后台继续运行直到自行结束，其结果被丢弃。
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	ch := make(chan result[T], 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("offloaded call panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result[T]{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
