package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/rs/zerolog/log"
)

const (
	// refreshHorizon AT 剩余有效期低于该值时提前刷新
	refreshHorizon = time.Hour
	// rateLimitCooldown 429 禁用后自动解禁的等待时间
	rateLimitCooldown = 12 * time.Hour
	// projectNameLayout 自动创建项目的名称格式，例如 "Jan 02 - 15:04"
	projectNameLayout = "Jan 02 - 15:04"
	syncRemark        = "auto sync"
)

// 禁用原因指标标签
const (
	banLabelRateLimited    = "rate_limited"
	banLabelErrorThreshold = "error_threshold"
	banLabelRefreshFailed  = "refresh_failed"
)

// Executor 凭据池依赖的上游接口
type Executor interface {
	ExchangeSession(ctx context.Context, st string) (*flow.SessionInfo, error)
	GetCredits(ctx context.Context, at string) (*flow.Credits, error)
	CreateProject(ctx context.Context, st, title string) (string, error)
}

// EventRecorder 状态变化事件记录
type EventRecorder interface {
	LogInfo(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error
	LogWarning(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error
	LogError(ctx context.Context, tokenID uint, eventType, message string, metadata map[string]interface{}) error
}

// Manager 凭据池管理
// 负责 ST/AT 生命周期、项目绑定、使用统计以及禁用和解禁
type Manager struct {
	store   Store
	client  Executor
	events  EventRecorder
	metrics *stats.Metrics

	// refreshMu 所有 Token 的 AT 刷新串行执行
	refreshMu sync.Mutex

	now func() time.Time
}

// NewManager 创建 Manager 实例，events 和 metrics 可以为 nil
func NewManager(store Store, client Executor, events EventRecorder, metrics *stats.Metrics) *Manager {
	return &Manager{
		store:   store,
		client:  client,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// ---- 事件 ----

func (m *Manager) recordInfo(ctx context.Context, id uint, eventType, message string, metadata map[string]interface{}) {
	if m.events != nil {
		_ = m.events.LogInfo(ctx, id, eventType, message, metadata)
	}
}

func (m *Manager) recordWarning(ctx context.Context, id uint, eventType, message string, metadata map[string]interface{}) {
	if m.events != nil {
		_ = m.events.LogWarning(ctx, id, eventType, message, metadata)
	}
}

func (m *Manager) recordError(ctx context.Context, id uint, eventType, message string, metadata map[string]interface{}) {
	if m.events != nil {
		_ = m.events.LogError(ctx, id, eventType, message, metadata)
	}
}

// ---- 查询 ----

// GetToken 根据 ID 获取 Token
func (m *Manager) GetToken(ctx context.Context, id uint) (*models.Token, error) {
	return m.store.GetToken(ctx, id)
}

// ListTokens 获取所有 Token
func (m *Manager) ListTokens(ctx context.Context) ([]*models.Token, error) {
	return m.store.GetAllTokens(ctx)
}

// ActiveTokens 获取所有启用的 Token
func (m *Manager) ActiveTokens(ctx context.Context) ([]*models.Token, error) {
	return m.store.GetActiveTokens(ctx)
}

// GetTokenStats 获取 Token 统计
func (m *Manager) GetTokenStats(ctx context.Context, id uint) (*models.TokenStats, error) {
	return m.store.GetTokenStats(ctx, id)
}

// GetProjects 获取 Token 创建过的项目
func (m *Manager) GetProjects(ctx context.Context, id uint) ([]models.Project, error) {
	return m.store.GetProjects(ctx, id)
}

// ---- 添加与同步 ----

// creditsResult 余额查询结果，查询失败时 err 非空且其余字段为零值
type creditsResult struct {
	credits int
	tier    string
	err     error
}

func (m *Manager) fetchCredits(ctx context.Context, at string) creditsResult {
	credits, err := m.client.GetCredits(ctx, at)
	if err != nil {
		return creditsResult{err: err}
	}
	return creditsResult{credits: credits.Credits, tier: credits.PaygateTier}
}

// exchange ST 换 AT，失败统一转换为 ErrInvalidCredential
func (m *Manager) exchange(ctx context.Context, st string) (*flow.SessionInfo, error) {
	info, err := m.client.ExchangeSession(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return info, nil
}

// AddToken 登记新的 ST
// 1. ST 去重 2. 换取 AT 和账号信息 3. 查询余额 4. 绑定项目 5. 保存 Token 和项目
func (m *Manager) AddToken(ctx context.Context, req AddTokenRequest) (*models.Token, error) {
	st := strings.TrimSpace(req.SessionToken)
	if st == "" {
		return nil, fmt.Errorf("%w: empty session token", ErrInvalidCredential)
	}

	// 1. 检查 ST 是否已存在
	existing, err := m.store.GetTokenByST(ctx, st)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w (email: %s)", ErrDuplicateCredential, existing.Email)
	case !errors.Is(err, ErrCredentialNotFound):
		return nil, err
	}

	// 2. ST 换 AT
	info, err := m.exchange(ctx, st)
	if err != nil {
		return nil, err
	}
	name := info.User.Name
	if name == "" {
		name, _, _ = strings.Cut(info.User.Email, "@")
	}

	// 3. 查询余额（失败不影响添加）
	credits := m.fetchCredits(ctx, info.AccessToken)
	if credits.err != nil {
		log.Warn().Err(credits.err).Str("email", info.User.Email).Msg("查询余额失败，余额记为 0")
	}

	// 4. 处理项目
	projectID := strings.TrimSpace(req.ProjectID)
	projectName := req.ProjectName
	if projectName == "" {
		projectName = m.now().Format(projectNameLayout)
	}
	if projectID == "" {
		projectID, err = m.client.CreateProject(ctx, st, projectName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProjectCreationFailed, err)
		}
		log.Info().Str("project_id", projectID).Str("project_name", projectName).Msg("已创建项目")
	}

	// 5. 保存 Token
	token := &models.Token{
		SessionToken:       st,
		AccessToken:        info.AccessToken,
		AccessTokenExpiry:  info.Expires,
		Email:              info.User.Email,
		DisplayName:        name,
		Remark:             req.Remark,
		IsActive:           true,
		Credits:            credits.credits,
		PaygateTier:        credits.tier,
		CurrentProjectID:   projectID,
		CurrentProjectName: projectName,
		ImageEnabled:       boolOr(req.ImageEnabled, true),
		VideoEnabled:       boolOr(req.VideoEnabled, true),
		ImageConcurrency:   intOr(req.ImageConcurrency, models.UnlimitedConcurrency),
		VideoConcurrency:   intOr(req.VideoConcurrency, models.UnlimitedConcurrency),
	}
	if err := m.store.AddToken(ctx, token); err != nil {
		return nil, fmt.Errorf("保存 Token 失败: %w", err)
	}

	// 6. 保存项目，失败时保留 Token
	project := &models.Project{
		ProjectID:   projectID,
		TokenID:     token.ID,
		ProjectName: projectName,
		ToolName:    models.DefaultToolName,
		IsActive:    true,
	}
	if err := m.store.AddProject(ctx, project); err != nil {
		log.Warn().Err(err).Uint("token_id", token.ID).Str("project_id", projectID).Msg("保存项目记录失败")
		m.recordWarning(ctx, token.ID, models.EventTypeProjectBinding, "保存项目记录失败", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
	}

	log.Info().Uint("token_id", token.ID).Str("email", token.Email).Msg("Token 添加成功")
	m.recordInfo(ctx, token.ID, models.EventTypeTokenAdded, "Token 添加成功", map[string]interface{}{
		"email":      token.Email,
		"project_id": projectID,
	})
	return token, nil
}

// SyncFromSessionToken 根据 ST 对应的邮箱更新已有 Token 或创建新 Token
func (m *Manager) SyncFromSessionToken(ctx context.Context, st string) (*SyncResult, error) {
	st = strings.TrimSpace(st)

	info, err := m.exchange(ctx, st)
	if err != nil {
		return nil, err
	}
	email := info.User.Email
	if email == "" {
		return nil, fmt.Errorf("%w: session has no email", ErrInvalidCredential)
	}

	// Token 数量很少，直接遍历匹配邮箱
	tokens, err := m.store.GetAllTokens(ctx)
	if err != nil {
		return nil, err
	}
	var target *models.Token
	for _, t := range tokens {
		if t.Email == email {
			target = t
			break
		}
	}

	if target != nil {
		req := UpdateTokenRequest{
			SessionToken:      &st,
			AccessToken:       &info.AccessToken,
			AccessTokenExpiry: info.Expires,
		}
		if err := m.UpdateToken(ctx, target.ID, req); err != nil {
			return nil, err
		}
		log.Info().Uint("token_id", target.ID).Str("email", email).Msg("已同步现有 Token")
		m.recordInfo(ctx, target.ID, models.EventTypeTokenSynced, "ST 同步更新", map[string]interface{}{"email": email})
		return &SyncResult{Action: SyncUpdated, ID: target.ID, Email: email}, nil
	}

	token, err := m.AddToken(ctx, AddTokenRequest{SessionToken: st, Remark: syncRemark})
	if err != nil {
		return nil, err
	}
	return &SyncResult{Action: SyncCreated, ID: token.ID, Email: email}, nil
}

// UpdateToken 部分更新 Token
// 因 429 被禁用且 AT 未过期的 Token，编辑保存时清除禁用原因
func (m *Manager) UpdateToken(ctx context.Context, id uint, req UpdateTokenRequest) error {
	token, err := m.store.GetToken(ctx, id)
	if err != nil {
		return err
	}

	fields := req.fields()
	if token.BanReason == models.BanReasonRateLimited && !token.IsAccessTokenExpired(m.now()) {
		log.Info().Uint("token_id", id).Msg("编辑保存，清除 429 禁用原因")
		fields[models.ColBanReason] = models.BanReasonNone
		fields[models.ColBannedAt] = nil
	}
	if len(fields) == 0 {
		return nil
	}

	return m.store.UpdateToken(ctx, id, fields)
}

// ---- AT 刷新 ----

// needsRefresh AT 为空、过期时间未知或剩余不足 1 小时
func needsRefresh(token *models.Token, now time.Time) bool {
	if token.AccessToken == "" || token.AccessTokenExpiry == nil {
		return true
	}
	return token.AccessTokenExpiry.Sub(now) < refreshHorizon
}

// IsAccessTokenValid 检查 AT 是否可用，需要时自动刷新
func (m *Manager) IsAccessTokenValid(ctx context.Context, id uint) bool {
	token, err := m.store.GetToken(ctx, id)
	if err != nil {
		return false
	}
	if !needsRefresh(token, m.now()) {
		return true
	}

	log.Debug().Uint("token_id", id).Msg("AT 缺失或即将过期，开始刷新")
	return m.RefreshAccessToken(ctx, id)
}

// RefreshAccessToken 使用 ST 刷新 AT
// 全局串行；拿到锁后重新读取，若其他调用已刷新成功则直接返回。
// 刷新失败时禁用 Token。刷新不受调用方取消影响。
func (m *Manager) RefreshAccessToken(ctx context.Context, id uint) bool {
	return m.refreshAccessToken(ctx, id, false)
}

// ForceRefreshAccessToken 不论 AT 是否临近过期都重新换取，供管理接口使用
// 与 RefreshAccessToken 共用同一把锁，失败时同样禁用 Token
func (m *Manager) ForceRefreshAccessToken(ctx context.Context, id uint) bool {
	return m.refreshAccessToken(ctx, id, true)
}

func (m *Manager) refreshAccessToken(ctx context.Context, id uint, force bool) bool {
	ctx = context.WithoutCancel(ctx)

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	token, err := m.store.GetToken(ctx, id)
	if err != nil {
		return false
	}
	if !force && !needsRefresh(token, m.now()) {
		m.metrics.ObserveRefresh(stats.OutcomeSkipped)
		log.Debug().Uint("token_id", id).Msg("AT 已被刷新，跳过")
		return true
	}

	info, err := m.client.ExchangeSession(ctx, token.SessionToken)
	if err != nil {
		m.metrics.ObserveRefresh(stats.OutcomeFailed)
		log.Error().Err(err).Uint("token_id", id).Msg("AT 刷新失败，禁用 Token")
		m.disable(ctx, id, banLabelRefreshFailed)
		m.recordError(ctx, id, models.EventTypeRefreshFailed, "AT 刷新失败，已禁用", map[string]interface{}{
			"error":       err.Error(),
			"status_code": flow.StatusCode(err),
		})
		return false
	}

	err = m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColAccessToken:       info.AccessToken,
		models.ColAccessTokenExpiry: info.Expires,
	})
	if err != nil {
		m.metrics.ObserveRefresh(stats.OutcomeFailed)
		log.Error().Err(err).Uint("token_id", id).Msg("保存新 AT 失败")
		return false
	}
	m.metrics.ObserveRefresh(stats.OutcomeOK)

	event := log.Info().Uint("token_id", id)
	if info.Expires != nil {
		event = event.Time("expires", *info.Expires)
	}
	event.Msg("AT 刷新成功")

	// 同时刷新余额
	credits := m.fetchCredits(ctx, info.AccessToken)
	if credits.err != nil {
		log.Warn().Err(credits.err).Uint("token_id", id).Msg("刷新余额失败")
		return true
	}
	err = m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColCredits:     credits.credits,
		models.ColPaygateTier: credits.tier,
	})
	if err != nil {
		log.Warn().Err(err).Uint("token_id", id).Msg("保存余额失败")
	}
	return true
}

// disable 自动禁用 Token（非 429），需要人工恢复
func (m *Manager) disable(ctx context.Context, id uint, label string) {
	err := m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColIsActive:  false,
		models.ColBanReason: models.BanReasonOther,
		models.ColBannedAt:  m.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Uint("token_id", id).Msg("禁用 Token 失败")
		return
	}
	m.metrics.ObserveBan(label)
}

// ---- 项目 ----

// EnsureProjectExists 确保 Token 已绑定项目，未绑定时创建
func (m *Manager) EnsureProjectExists(ctx context.Context, id uint) (string, error) {
	token, err := m.store.GetToken(ctx, id)
	if err != nil {
		return "", err
	}
	if token.CurrentProjectID != "" {
		return token.CurrentProjectID, nil
	}

	projectName := m.now().Format(projectNameLayout)
	projectID, err := m.client.CreateProject(ctx, token.SessionToken, projectName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProjectCreationFailed, err)
	}

	err = m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColCurrentProjectID:   projectID,
		models.ColCurrentProjectName: projectName,
	})
	if err != nil {
		return "", err
	}

	project := &models.Project{
		ProjectID:   projectID,
		TokenID:     id,
		ProjectName: projectName,
		ToolName:    models.DefaultToolName,
		IsActive:    true,
	}
	if err := m.store.AddProject(ctx, project); err != nil {
		log.Warn().Err(err).Uint("token_id", id).Str("project_id", projectID).Msg("保存项目记录失败")
	}

	log.Info().Uint("token_id", id).Str("project_id", projectID).Msg("已为 Token 创建项目")
	m.recordInfo(ctx, id, models.EventTypeProjectBinding, "已创建项目", map[string]interface{}{
		"project_id":   projectID,
		"project_name": projectName,
	})
	return projectID, nil
}

// ---- 统计与禁用 ----

// RecordUsage 记录一次使用
func (m *Manager) RecordUsage(ctx context.Context, id uint, isVideo bool) error {
	if err := m.store.TouchToken(ctx, id, m.now().UTC()); err != nil {
		return err
	}
	kind := models.StatImage
	if isVideo {
		kind = models.StatVideo
	}
	return m.store.IncrementTokenStats(ctx, id, kind)
}

// RecordError 记录一次错误，连续错误达到阈值时禁用 Token
func (m *Manager) RecordError(ctx context.Context, id uint) error {
	if err := m.store.IncrementTokenStats(ctx, id, models.StatError); err != nil {
		return err
	}

	tokenStats, err := m.store.GetTokenStats(ctx, id)
	if err != nil {
		return err
	}
	cfg, err := m.store.GetAdminConfig(ctx)
	if err != nil {
		return err
	}

	if cfg.ErrorBanThreshold > 0 && tokenStats.ConsecutiveErrorCount >= cfg.ErrorBanThreshold {
		log.Warn().
			Uint("token_id", id).
			Int("consecutive_errors", tokenStats.ConsecutiveErrorCount).
			Int("threshold", cfg.ErrorBanThreshold).
			Msg("连续错误达到阈值，禁用 Token")
		m.disable(ctx, id, banLabelErrorThreshold)
		m.recordWarning(ctx, id, models.EventTypeErrorBan, "连续错误达到阈值，已禁用", map[string]interface{}{
			"consecutive_errors": tokenStats.ConsecutiveErrorCount,
			"threshold":          cfg.ErrorBanThreshold,
		})
	}
	return nil
}

// RecordSuccess 记录一次成功，只清零连续错误数
func (m *Manager) RecordSuccess(ctx context.Context, id uint) error {
	return m.store.ResetErrorCount(ctx, id)
}

// BanForRateLimit 因 429 立即禁用 Token，冷却后可自动解禁
func (m *Manager) BanForRateLimit(ctx context.Context, id uint) error {
	err := m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColIsActive:  false,
		models.ColBanReason: models.BanReasonRateLimited,
		models.ColBannedAt:  m.now().UTC(),
	})
	if err != nil {
		return err
	}

	m.metrics.ObserveBan(banLabelRateLimited)
	log.Warn().Uint("token_id", id).Msg("429 限流，禁用 Token")
	m.recordWarning(ctx, id, models.EventTypeRateLimitBan, "429 限流，已禁用", nil)
	return nil
}

// AutoUnbanRateLimited 解禁 429 禁用超过 12 小时且 AT 未过期的 Token，返回解禁的 ID
func (m *Manager) AutoUnbanRateLimited(ctx context.Context) ([]uint, error) {
	tokens, err := m.store.GetAllTokens(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var unbanned []uint
	for _, t := range tokens {
		if !t.IsRateLimitBanned() || t.BannedAt == nil {
			continue
		}
		if t.IsAccessTokenExpired(now) {
			log.Debug().Uint("token_id", t.ID).Msg("AT 已过期，跳过解禁")
			continue
		}
		elapsed := now.Sub(*t.BannedAt)
		if elapsed < rateLimitCooldown {
			continue
		}

		err := m.store.UpdateToken(ctx, t.ID, map[string]interface{}{
			models.ColIsActive:  true,
			models.ColBanReason: models.BanReasonNone,
			models.ColBannedAt:  nil,
		})
		if err != nil {
			log.Error().Err(err).Uint("token_id", t.ID).Msg("解禁 Token 失败")
			continue
		}
		if err := m.store.ResetErrorCount(ctx, t.ID); err != nil {
			log.Warn().Err(err).Uint("token_id", t.ID).Msg("重置错误计数失败")
		}

		log.Info().Uint("token_id", t.ID).Dur("banned_for", elapsed).Msg("已自动解禁 Token")
		m.recordInfo(ctx, t.ID, models.EventTypeAutoUnban, "429 冷却结束，已解禁", map[string]interface{}{
			"banned_hours": elapsed.Hours(),
		})
		unbanned = append(unbanned, t.ID)
	}

	m.metrics.ObserveUnban(len(unbanned))
	return unbanned, nil
}

// RefreshCredits 刷新余额，任何失败返回 0
func (m *Manager) RefreshCredits(ctx context.Context, id uint) int {
	if _, err := m.store.GetToken(ctx, id); err != nil {
		return 0
	}
	if !m.IsAccessTokenValid(ctx, id) {
		return 0
	}

	// AT 可能已刷新，重新读取
	token, err := m.store.GetToken(ctx, id)
	if err != nil {
		return 0
	}

	credits := m.fetchCredits(ctx, token.AccessToken)
	if credits.err != nil {
		log.Error().Err(credits.err).Uint("token_id", id).Msg("刷新余额失败")
		return 0
	}
	err = m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColCredits:     credits.credits,
		models.ColPaygateTier: credits.tier,
	})
	if err != nil {
		log.Error().Err(err).Uint("token_id", id).Msg("保存余额失败")
		return 0
	}
	return credits.credits
}

// ---- 手动管理 ----

// EnableToken 启用 Token，同时清除禁用原因并清零连续错误数
func (m *Manager) EnableToken(ctx context.Context, id uint) error {
	err := m.store.UpdateToken(ctx, id, map[string]interface{}{
		models.ColIsActive:  true,
		models.ColBanReason: models.BanReasonNone,
		models.ColBannedAt:  nil,
	})
	if err != nil {
		return err
	}
	if err := m.store.ResetErrorCount(ctx, id); err != nil {
		return err
	}
	m.recordInfo(ctx, id, models.EventTypeTokenEnabled, "手动启用", nil)
	return nil
}

// DisableToken 手动禁用 Token
func (m *Manager) DisableToken(ctx context.Context, id uint) error {
	if err := m.store.UpdateToken(ctx, id, map[string]interface{}{models.ColIsActive: false}); err != nil {
		return err
	}
	m.recordInfo(ctx, id, models.EventTypeTokenDisabled, "手动禁用", nil)
	return nil
}

// DeleteToken 删除 Token
func (m *Manager) DeleteToken(ctx context.Context, id uint) error {
	if err := m.store.DeleteToken(ctx, id); err != nil {
		return err
	}
	m.recordInfo(ctx, id, models.EventTypeTokenDeleted, "已删除", nil)
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
