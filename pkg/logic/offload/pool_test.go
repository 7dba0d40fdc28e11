package offload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsResult(t *testing.T) {
	p := NewPool(2)
	v, err := Do(context.Background(), p, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(context.Background(), p, func(context.Context) (string, error) {
		return "", errors.New("provider down")
	})
	assert.EqualError(t, err, "provider down")
}

func TestDoCancelled(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoBounded(t *testing.T) {
	p := NewPool(2)
	var running, peak atomic.Int32

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return 0, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDoRecoversPanic(t *testing.T) {
	p := NewPool(1)
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		panic("sdk bug")
	})
	assert.ErrorContains(t, err, "sdk bug")

	v, err := Do(context.Background(), p, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
