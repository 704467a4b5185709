package balancer

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Capability 生成能力
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

type slotKey struct {
	tokenID    uint
	capability Capability
}

type slot struct {
	limit int
	sem   *semaphore.Weighted
}

// Limiter 按 Token 和能力限制并发
// limit < 0 表示不限制，limit == 0 表示不可用
type Limiter struct {
	mutex sync.Mutex
	slots map[slotKey]*slot
}

// NewLimiter 创建并发限制器
func NewLimiter() *Limiter {
	return &Limiter{slots: make(map[slotKey]*slot)}
}

// TryAcquire 尝试占用一个并发槽位，成功时返回释放函数
func (l *Limiter) TryAcquire(tokenID uint, capability Capability, limit int) (release func(), ok bool) {
	if limit < 0 {
		return func() {}, true
	}
	if limit == 0 {
		return nil, false
	}

	sem := l.semaphore(tokenID, capability, limit)
	if !sem.TryAcquire(1) {
		return nil, false
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}

// semaphore 获取槽位，上限变化时替换为新的信号量
// 已占用旧信号量的请求释放时仍归还到旧信号量
func (l *Limiter) semaphore(tokenID uint, capability Capability, limit int) *semaphore.Weighted {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := slotKey{tokenID: tokenID, capability: capability}
	s, ok := l.slots[key]
	if !ok || s.limit != limit {
		s = &slot{limit: limit, sem: semaphore.NewWeighted(int64(limit))}
		l.slots[key] = s
	}
	return s.sem
}

// Forget 删除 Token 的所有槽位
func (l *Limiter) Forget(tokenID uint) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for key := range l.slots {
		if key.tokenID == tokenID {
			delete(l.slots, key)
		}
	}
}
