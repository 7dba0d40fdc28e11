package session

import (
	"sync"
	"time"

	"talkstream/pkg/logger"
	"talkstream/pkg/metrics"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn 一条对话记录
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session 用户会话
type Session struct {
	ID        string
	UserKey   string
	CreatedAt time.Time
	LastSeen  time.Time
	history   []Turn
}

// Options 注册表配置
type Options struct {
	MaxSessions int           // 0 表示不限制
	MaxHistory  int           // 每个会话保留的最大轮数，0 表示不限制
	IdleTTL     time.Duration // 0 表示永不过期
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Registry 以用户标识为键的会话注册表。
// 同一个 key 的并发首次访问只会创建一个会话；超出容量按最近最少使用淘汰，空闲超过 IdleTTL 的会话惰性过期。
type Registry struct {
	mu      sync.Mutex
	cache   *lru.Cache
	index   map[string]*Session
	opts    Options
	metrics *metrics.Metrics
}

// NewRegistry 创建注册表
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		cache:   lru.New(opts.MaxSessions),
		index:   make(map[string]*Session),
		opts:    opts,
		metrics: opts.Metrics,
	}
	r.cache.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(r.index, key.(string))
	}
	return r
}

// GetOrCreate 返回用户的会话 ID，不存在时创建
func (r *Registry) GetOrCreate(userKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(userKey).ID
}

func (r *Registry) getOrCreateLocked(userKey string) *Session {
	now := r.opts.Now()
	if s := r.lookupLocked(userKey, now); s != nil {
		return s
	}

	s := &Session{
		ID:        uuid.NewString(),
		UserKey:   userKey,
		CreatedAt: now,
		LastSeen:  now,
	}
	r.cache.Add(userKey, s)
	r.index[userKey] = s
	r.metrics.SetSessions(r.cache.Len())
	logger.Info("session created: user=%s session=%s", userKey, s.ID)
	return s
}

// lookupLocked 查找未过期的会话并刷新访问时间
func (r *Registry) lookupLocked(userKey string, now time.Time) *Session {
	v, ok := r.cache.Get(userKey)
	if !ok {
		return nil
	}
	s := v.(*Session)
	if r.expired(s, now) {
		r.cache.Remove(userKey)
		r.metrics.SetSessions(r.cache.Len())
		logger.Info("session expired: user=%s session=%s", userKey, s.ID)
		return nil
	}
	s.LastSeen = now
	return s
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	return r.opts.IdleTTL > 0 && now.Sub(s.LastSeen) > r.opts.IdleTTL
}

// Get 返回会话快照
func (r *Registry) Get(userKey string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookupLocked(userKey, r.opts.Now())
	if s == nil {
		return Session{}, false
	}
	snap := *s
	snap.history = nil
	return snap, true
}

// AppendTurn 追加一条记录，会话不存在时先创建
func (r *Registry) AppendTurn(userKey, role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(userKey)
	s.history = append(s.history, Turn{Role: role, Content: content})
	if limit := r.opts.MaxHistory; limit > 0 && len(s.history) > limit {
		s.history = append([]Turn(nil), s.history[len(s.history)-limit:]...)
	}
}

// History 返回历史记录副本
func (r *Registry) History(userKey string) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookupLocked(userKey, r.opts.Now())
	if s == nil {
		return []Turn{}
	}
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// ClearHistory 清空历史但保留会话 ID
func (r *Registry) ClearHistory(userKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.lookupLocked(userKey, r.opts.Now()); s != nil {
		s.history = nil
	}
}

// Len 当前会话数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Sweep 移除所有空闲超时的会话，返回移除数量
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.IdleTTL <= 0 {
		return 0
	}
	now := r.opts.Now()
	var expired []string
	for key, s := range r.index {
		if r.expired(s, now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		r.cache.Remove(key)
	}
	if len(expired) > 0 {
		r.metrics.SetSessions(r.cache.Len())
		logger.Info("session sweep removed %d idle sessions", len(expired))
	}
	return len(expired)
}

// RunSweeper 按 interval 周期清理，直到 stop 关闭
func (r *Registry) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 || r.opts.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
