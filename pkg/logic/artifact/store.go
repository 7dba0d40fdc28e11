package artifact

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("artifact not found")

// Artifact 工具产出的一个文件版本
type Artifact struct {
	Name     string
	Version  int
	MIMEType string
	Data     []byte
}

// IsAudio MIME 类型属于音频
func (a Artifact) IsAudio() bool {
	return strings.HasPrefix(a.MIMEType, "audio")
}

// IsImage MIME 类型属于图片
func (a Artifact) IsImage() bool {
	return strings.HasPrefix(a.MIMEType, "image")
}

// Delta 一次调用中新增的版本：文件名 -> 版本号
type Delta map[string]int

// Store 内存中的版本化文件存储。同名文件每次保存得到递增的版本号（从 0 开始）
type Store struct {
	mu    sync.RWMutex
	items map[string][]Artifact
}

func NewStore() *Store {
	return &Store{items: make(map[string][]Artifact)}
}

// Save 保存新版本并返回版本号
func (s *Store) Save(name, mimeType string, data []byte) int {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	version := len(s.items[name])
	s.items[name] = append(s.items[name], Artifact{
		Name:     name,
		Version:  version,
		MIMEType: mimeType,
		Data:     buf,
	})
	return version
}

// Load 按名称和版本读取
func (s *Store) Load(name string, version int) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.items[name]
	if version < 0 || version >= len(versions) {
		return Artifact{}, fmt.Errorf("%w: %s@%d", ErrNotFound, name, version)
	}
	return versions[version], nil
}

// Latest 读取最新版本
func (s *Store) Latest(name string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.items[name]
	if len(versions) == 0 {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return versions[len(versions)-1], nil
}
