package connection

import (
	"sync"
	"sync/atomic"
)

// Connection 定义了所有类型连接的通用接口
type Connection interface {
	// Start 启动连接的处理
	Start() error
	// Stop 停止连接并清理资源
	Stop()
	// GetID 返回连接的唯一标识符
	GetID() string
}

// AudioSink 可以接收服务端主动推送音频的连接
type AudioSink interface {
	PushAudio(data []byte) error
}

// Registry 进程内的连接注册表。
// 按连接 ID 保存全部存活连接，同时按用户标识保存最近一个连接（后来者覆盖）
type Registry struct {
	byID   sync.Map // id -> Connection
	byUser sync.Map // userKey -> Connection
	count  atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register 保存连接，返回被覆盖的同用户旧连接（没有则为 nil）。旧连接不会被停止
func (r *Registry) Register(userKey string, conn Connection) Connection {
	if _, loaded := r.byID.LoadOrStore(conn.GetID(), conn); !loaded {
		r.count.Add(1)
	}
	prev, loaded := r.byUser.Swap(userKey, conn)
	if !loaded || prev == nil {
		return nil
	}
	return prev.(Connection)
}

// Unregister 移除连接。用户索引只有仍指向该连接时才被删除
func (r *Registry) Unregister(userKey string, conn Connection) {
	if _, loaded := r.byID.LoadAndDelete(conn.GetID()); loaded {
		r.count.Add(-1)
	}
	r.byUser.CompareAndDelete(userKey, conn)
}

// Lookup 返回用户当前的连接
func (r *Registry) Lookup(userKey string) (Connection, bool) {
	v, ok := r.byUser.Load(userKey)
	if !ok {
		return nil, false
	}
	return v.(Connection), true
}

// Len 存活连接数
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// StopAll 停止并移除所有连接
func (r *Registry) StopAll() {
	r.byID.Range(func(key, value any) bool {
		if _, loaded := r.byID.LoadAndDelete(key); loaded {
			r.count.Add(-1)
			value.(Connection).Stop()
		}
		return true
	})
	r.byUser.Range(func(key, _ any) bool {
		r.byUser.Delete(key)
		return true
	})
}
