package balancer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
)

// ErrNoAvailableToken 没有可用的 Token
var ErrNoAvailableToken = errors.New("no available token")

// TokenLister 提供候选 Token
type TokenLister interface {
	ActiveTokens(ctx context.Context) ([]*models.Token, error)
}

// SelectionStats 选择统计信息
type SelectionStats struct {
	TotalSelections int64          `json:"total_selections"` // 总选择次数
	Misses          int64          `json:"misses"`           // 无可用 Token 次数
	TokenCounts     map[uint]int64 `json:"token_counts"`     // 各 Token 选择次数
	LastSelection   time.Time      `json:"last_selection"`   // 最后选择时间
}

// Lease 选中的 Token 及其并发槽位
type Lease struct {
	Token   *models.Token
	release func()
}

// Release 归还并发槽位，可重复调用
func (l *Lease) Release() {
	if l != nil && l.release != nil {
		l.release()
	}
}

// Selector 从启用的 Token 中随机选择一个有空闲槽位的
type Selector struct {
	tokens  TokenLister
	limiter *Limiter
	metrics *stats.Metrics

	random *rand.Rand
	mutex  sync.Mutex
	stats  SelectionStats
}

// NewSelector 创建选择器
func NewSelector(tokens TokenLister, limiter *Limiter, metrics *stats.Metrics) *Selector {
	return NewSelectorWithSeed(tokens, limiter, metrics, time.Now().UnixNano())
}

// NewSelectorWithSeed 使用指定种子创建选择器 (主要用于测试)
func NewSelectorWithSeed(tokens TokenLister, limiter *Limiter, metrics *stats.Metrics, seed int64) *Selector {
	if limiter == nil {
		limiter = NewLimiter()
	}
	return &Selector{
		tokens:  tokens,
		limiter: limiter,
		metrics: metrics,
		random:  rand.New(rand.NewSource(seed)),
		stats:   SelectionStats{TokenCounts: make(map[uint]int64)},
	}
}

// Select 选择一个支持指定能力且未达到并发上限的 Token
// 调用方用完后必须调用 Lease.Release
func (s *Selector) Select(ctx context.Context, capability Capability) (*Lease, error) {
	tokens, err := s.tokens.ActiveTokens(ctx)
	if err != nil {
		return nil, err
	}

	// 1. 过滤能力
	candidates := make([]*models.Token, 0, len(tokens))
	for _, t := range tokens {
		if t.IsActive && supports(t, capability) {
			candidates = append(candidates, t)
		}
	}

	// 2. 随机顺序尝试占用槽位
	s.mutex.Lock()
	s.random.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.mutex.Unlock()

	for _, t := range candidates {
		release, ok := s.limiter.TryAcquire(t.ID, capability, concurrency(t, capability))
		if !ok {
			continue
		}
		s.record(t.ID)
		s.metrics.ObserveSelection(string(capability), stats.OutcomeOK)
		return &Lease{Token: t, release: release}, nil
	}

	s.mutex.Lock()
	s.stats.Misses++
	s.mutex.Unlock()
	s.metrics.ObserveSelection(string(capability), stats.OutcomeFailed)
	return nil, ErrNoAvailableToken
}

func (s *Selector) record(tokenID uint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stats.TotalSelections++
	s.stats.TokenCounts[tokenID]++
	s.stats.LastSelection = time.Now()
}

// Forget 释放已删除 Token 的并发槽位和选择计数
func (s *Selector) Forget(tokenID uint) {
	s.limiter.Forget(tokenID)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.stats.TokenCounts, tokenID)
}

// GetStats 获取统计信息的副本
func (s *Selector) GetStats() SelectionStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	statsCopy := s.stats
	statsCopy.TokenCounts = make(map[uint]int64, len(s.stats.TokenCounts))
	for id, count := range s.stats.TokenCounts {
		statsCopy.TokenCounts[id] = count
	}
	return statsCopy
}

func supports(t *models.Token, capability Capability) bool {
	switch capability {
	case CapabilityImage:
		return t.ImageEnabled
	case CapabilityVideo:
		return t.VideoEnabled
	}
	return false
}

func concurrency(t *models.Token, capability Capability) int {
	if capability == CapabilityVideo {
		return t.VideoConcurrency
	}
	return t.ImageConcurrency
}
