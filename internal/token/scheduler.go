package token

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultUnbanInterval 默认解禁检查间隔
const DefaultUnbanInterval = 10 * time.Minute

// Scheduler 定期执行 429 自动解禁
type Scheduler struct {
	manager  *Manager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 创建调度器，interval <= 0 时使用默认间隔
func NewScheduler(manager *Manager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultUnbanInterval
	}
	return &Scheduler{manager: manager, interval: interval}
}

// Start 启动后台协程，重复调用无效果
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	log.Info().Dur("interval", s.interval).Msg("自动解禁调度已启动")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一次解禁检查
func (s *Scheduler) RunOnce(ctx context.Context) []uint {
	ids, err := s.manager.AutoUnbanRateLimited(ctx)
	if err != nil {
		log.Error().Err(err).Msg("自动解禁检查失败")
		return nil
	}
	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("自动解禁完成")
	}
	return ids
}

// Stop 停止后台协程并等待退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("自动解禁调度已停止")
}
