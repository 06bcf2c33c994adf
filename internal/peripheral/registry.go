package peripheral

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry 扫描结果有序集合：重新扫描前只增不减，按 Identity.Less 排序
type Registry struct {
	mu    sync.RWMutex
	items []Identity
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{}
}

// Add 加入外设。标识已存在时不做任何修改并返回 false；
// 否则追加并整体重排，返回 true，调用方据此决定是否重新发布列表。
func (r *Registry) Add(p Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Equal(p) {
			return false
		}
	}
	r.items = append(r.items, p)
	sort.SliceStable(r.items, func(i, j int) bool { return r.items[i].Less(r.items[j]) })
	return true
}

// Reset 清空（重新扫描时调用）
func (r *Registry) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

// Snapshot 返回当前有序列表的副本
func (r *Registry) Snapshot() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, len(r.items))
	copy(out, r.items)
	return out
}

// Get 按标识查找
func (r *Registry) Get(id uuid.UUID) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items {
		if it.ID == id {
			return it, true
		}
	}
	return Identity{}, false
}

// Len 当前数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
