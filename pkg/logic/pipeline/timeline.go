package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Timeline 一轮对话中各阶段的时间点，按记录顺序输出
type Timeline struct {
	mu     sync.Mutex
	start  time.Time
	keys   []string
	points map[string]time.Time
	now    func() time.Time
}

// NewTimeline 以当前时间为起点
func NewTimeline() *Timeline {
	return newTimelineWithClock(time.Now)
}

func newTimelineWithClock(now func() time.Time) *Timeline {
	return &Timeline{
		start:  now(),
		points: make(map[string]time.Time),
		now:    now,
	}
}

// Mark 记录阶段时间点，同名只记录第一次
func (t *Timeline) Mark(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.points[name]; ok {
		return
	}
	t.points[name] = t.now()
	t.keys = append(t.keys, name)
}

// Since 某阶段距起点的耗时
func (t *Timeline) Since(name string) (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.points[name]
	if !ok {
		return 0, false
	}
	return ts.Sub(t.start), true
}

// Lines 每个阶段一行："name: +123ms"
func (t *Timeline) Lines() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := make([]string, 0, len(t.keys))
	for _, k := range t.keys {
		lines = append(lines, fmt.Sprintf("%s: +%dms", k, t.points[k].Sub(t.start).Milliseconds()))
	}
	return lines
}

// Report 附加在最终转写后的调试信息
func (t *Timeline) Report() string {
	return "\n\n--- Debug Timestamps (Streamed) ---\n" + strings.Join(t.Lines(), "\n")
}
