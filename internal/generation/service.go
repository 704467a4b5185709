package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/rs/zerolog/log"
)

// maxSelectAttempts 选中的 Token 刷新失败时重新选择的次数
// 刷新失败的 Token 会被禁用，不会再次被选中
const maxSelectAttempts = 3

// ReferenceUsageAsset 参考图用途
const ReferenceUsageAsset = "IMAGE_USAGE_TYPE_ASSET"

var (
	// ErrInvalidRequest 请求参数错误
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrTokenUnavailable 选中的 Token 都无法使用
	ErrTokenUnavailable = errors.New("no token with a valid access token")
)

// Pool Token 池中编排所需的操作
type Pool interface {
	GetToken(ctx context.Context, id uint) (*models.Token, error)
	IsAccessTokenValid(ctx context.Context, id uint) bool
	EnsureProjectExists(ctx context.Context, id uint) (string, error)
	RecordUsage(ctx context.Context, id uint, isVideo bool) error
	RecordError(ctx context.Context, id uint) error
	RecordSuccess(ctx context.Context, id uint) error
	BanForRateLimit(ctx context.Context, id uint) error
}

// Selector 按能力选择 Token
type Selector interface {
	Select(ctx context.Context, capability balancer.Capability) (*balancer.Lease, error)
}

// Backend 上游生成接口
type Backend interface {
	UploadImage(ctx context.Context, at string, image []byte, aspectRatio string) (string, error)
	GenerateImage(ctx context.Context, at string, in flow.ImageRequest) (*flow.ImageResult, error)
	GenerateVideoText(ctx context.Context, at string, in flow.VideoRequest) (*flow.VideoTaskResult, error)
	GenerateVideoReferenceImages(ctx context.Context, at string, in flow.VideoRequest, refs []flow.ReferenceImage) (*flow.VideoTaskResult, error)
	GenerateVideoStartEnd(ctx context.Context, at string, in flow.VideoRequest, startMediaID, endMediaID string) (*flow.VideoTaskResult, error)
	GenerateVideoStartImage(ctx context.Context, at string, in flow.VideoRequest, startMediaID string) (*flow.VideoTaskResult, error)
	CheckVideoStatus(ctx context.Context, at string, operations []flow.Operation) (*flow.VideoStatusResult, error)
}

// Service 生成编排：选择 Token → 校验 AT → 确保项目 → 调用上游 → 统计与禁用
// 模型名到具体接口的映射由调用方完成
type Service struct {
	pool     Pool
	selector Selector
	backend  Backend
	metrics  *stats.Metrics
}

// NewService 创建生成编排服务，metrics 可以为 nil
func NewService(pool Pool, selector Selector, backend Backend, metrics *stats.Metrics) *Service {
	return &Service{pool: pool, selector: selector, backend: backend, metrics: metrics}
}

// VideoMode 视频生成方式
type VideoMode string

const (
	VideoModeText       VideoMode = "text"
	VideoModeReference  VideoMode = "reference"
	VideoModeStartEnd   VideoMode = "start_end"
	VideoModeStartImage VideoMode = "start_image"
)

// ImageParams 图片生成参数
type ImageParams struct {
	Prompt      string
	ModelName   string
	AspectRatio string
	Images      [][]byte // 参考图，先上传再引用
	Count       int
}

// VideoParams 视频生成参数
type VideoParams struct {
	Mode        VideoMode
	Prompt      string
	ModelKey    string
	AspectRatio string
	Images      [][]byte
}

// ImageOutcome 图片生成结果
type ImageOutcome struct {
	TokenID   uint
	ProjectID string
	Result    *flow.ImageResult
}

// VideoOutcome 视频任务提交结果，轮询状态时需带上 TokenID
type VideoOutcome struct {
	TokenID   uint
	ProjectID string
	Result    *flow.VideoTaskResult
}

// session 一次生成所使用的 Token
type session struct {
	token     *models.Token
	projectID string
	lease     *balancer.Lease
}

// acquire 选择 Token 并确保 AT 有效、项目存在
func (s *Service) acquire(ctx context.Context, capability balancer.Capability) (*session, error) {
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		// 1. 选择
		lease, err := s.selector.Select(ctx, capability)
		if err != nil {
			return nil, err
		}
		id := lease.Token.ID

		// 2. AT 有效性，必要时刷新
		if !s.pool.IsAccessTokenValid(ctx, id) {
			lease.Release()
			log.Warn().Uint("token_id", id).Int("attempt", attempt+1).Msg("Token 的 AT 无效，重新选择")
			continue
		}

		// 3. 刷新后重新读取
		token, err := s.pool.GetToken(ctx, id)
		if err != nil {
			lease.Release()
			return nil, err
		}

		// 4. 项目
		projectID, err := s.pool.EnsureProjectExists(ctx, id)
		if err != nil {
			lease.Release()
			return nil, err
		}
		return &session{token: token, projectID: projectID, lease: lease}, nil
	}
	return nil, ErrTokenUnavailable
}

// finish 根据调用结果更新统计，429 立即禁用
// 验证码浏览器不可用时请求未发出，不计入 Token 错误
func (s *Service) finish(ctx context.Context, sess *session, isVideo bool, callErr error) {
	id := sess.token.ID
	if callErr == nil {
		if err := s.pool.RecordUsage(ctx, id, isVideo); err != nil {
			log.Error().Err(err).Uint("token_id", id).Msg("记录使用失败")
		}
		if err := s.pool.RecordSuccess(ctx, id); err != nil {
			log.Error().Err(err).Uint("token_id", id).Msg("重置连续错误失败")
		}
		return
	}

	kind := string(balancer.CapabilityImage)
	if isVideo {
		kind = string(balancer.CapabilityVideo)
	}
	failure := balancer.Classify(callErr)
	s.metrics.ObserveGenerationFailure(kind, string(failure))
	log.Warn().Err(callErr).Uint("token_id", id).Str("failure", string(failure)).Msg("生成请求失败")

	switch failure {
	case balancer.CaptchaFailure:
		return
	case balancer.RateLimitFailure:
		if err := s.pool.BanForRateLimit(ctx, id); err != nil {
			log.Error().Err(err).Uint("token_id", id).Msg("429 禁用失败")
		}
		return
	}
	if err := s.pool.RecordError(ctx, id); err != nil {
		log.Error().Err(err).Uint("token_id", id).Msg("记录错误失败")
	}
}

// upload 上传参考图，返回媒体 ID
func (s *Service) upload(ctx context.Context, at string, images [][]byte, aspectRatio string) ([]string, error) {
	ids := make([]string, 0, len(images))
	for i, image := range images {
		id, err := s.backend.UploadImage(ctx, at, image, aspectRatio)
		if err != nil {
			return nil, fmt.Errorf("upload image %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GenerateImage 选择支持图片的 Token 并生成图片
func (s *Service) GenerateImage(ctx context.Context, p ImageParams) (*ImageOutcome, error) {
	if p.Prompt == "" || p.ModelName == "" {
		return nil, fmt.Errorf("%w: prompt and model are required", ErrInvalidRequest)
	}

	sess, err := s.acquire(ctx, balancer.CapabilityImage)
	if err != nil {
		return nil, err
	}
	defer sess.lease.Release()

	result, err := s.generateImage(ctx, sess, p)
	s.finish(ctx, sess, false, err)
	if err != nil {
		return nil, err
	}
	return &ImageOutcome{TokenID: sess.token.ID, ProjectID: sess.projectID, Result: result}, nil
}

func (s *Service) generateImage(ctx context.Context, sess *session, p ImageParams) (*flow.ImageResult, error) {
	at := sess.token.AccessToken
	mediaIDs, err := s.upload(ctx, at, p.Images, p.AspectRatio)
	if err != nil {
		return nil, err
	}

	inputs := make([]flow.ImageInput, 0, len(mediaIDs))
	for _, id := range mediaIDs {
		inputs = append(inputs, flow.ImageInput{Name: id, ImageInputType: flow.ImageInputReference})
	}

	aspect := p.AspectRatio
	if aspect == "" {
		aspect = flow.DefaultImageAspect
	}
	return s.backend.GenerateImage(ctx, at, flow.ImageRequest{
		ProjectID:   sess.projectID,
		Prompt:      p.Prompt,
		ModelName:   p.ModelName,
		AspectRatio: aspect,
		ImageInputs: inputs,
		Count:       p.Count,
	})
}

// GenerateVideo 选择支持视频的 Token 并提交视频任务
func (s *Service) GenerateVideo(ctx context.Context, p VideoParams) (*VideoOutcome, error) {
	if err := validateVideo(p); err != nil {
		return nil, err
	}

	sess, err := s.acquire(ctx, balancer.CapabilityVideo)
	if err != nil {
		return nil, err
	}
	defer sess.lease.Release()

	result, err := s.generateVideo(ctx, sess, p)
	s.finish(ctx, sess, true, err)
	if err != nil {
		return nil, err
	}
	return &VideoOutcome{TokenID: sess.token.ID, ProjectID: sess.projectID, Result: result}, nil
}

func validateVideo(p VideoParams) error {
	if p.Prompt == "" || p.ModelKey == "" {
		return fmt.Errorf("%w: prompt and model are required", ErrInvalidRequest)
	}
	switch p.Mode {
	case VideoModeText:
	case VideoModeStartImage:
		if len(p.Images) != 1 {
			return fmt.Errorf("%w: start_image needs exactly 1 image", ErrInvalidRequest)
		}
	case VideoModeStartEnd:
		if len(p.Images) != 2 {
			return fmt.Errorf("%w: start_end needs exactly 2 images", ErrInvalidRequest)
		}
	case VideoModeReference:
		if len(p.Images) == 0 {
			return fmt.Errorf("%w: reference needs at least 1 image", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown video mode %q", ErrInvalidRequest, p.Mode)
	}
	return nil
}

func (s *Service) generateVideo(ctx context.Context, sess *session, p VideoParams) (*flow.VideoTaskResult, error) {
	at := sess.token.AccessToken
	in := flow.VideoRequest{
		ProjectID:   sess.projectID,
		Prompt:      p.Prompt,
		ModelKey:    p.ModelKey,
		AspectRatio: p.AspectRatio,
		PaygateTier: sess.token.PaygateTier,
	}

	mediaIDs, err := s.upload(ctx, at, p.Images, p.AspectRatio)
	if err != nil {
		return nil, err
	}

	switch p.Mode {
	case VideoModeStartImage:
		return s.backend.GenerateVideoStartImage(ctx, at, in, mediaIDs[0])
	case VideoModeStartEnd:
		return s.backend.GenerateVideoStartEnd(ctx, at, in, mediaIDs[0], mediaIDs[1])
	case VideoModeReference:
		refs := make([]flow.ReferenceImage, 0, len(mediaIDs))
		for _, id := range mediaIDs {
			refs = append(refs, flow.ReferenceImage{ImageUsageType: ReferenceUsageAsset, MediaID: id})
		}
		return s.backend.GenerateVideoReferenceImages(ctx, at, in, refs)
	default:
		return s.backend.GenerateVideoText(ctx, at, in)
	}
}

// CheckVideoStatus 使用提交任务的 Token 查询视频状态
// 状态查询不计入使用次数，429 同样会禁用 Token
func (s *Service) CheckVideoStatus(ctx context.Context, tokenID uint, operations []flow.Operation) (*flow.VideoStatusResult, error) {
	if len(operations) == 0 {
		return nil, fmt.Errorf("%w: operations are required", ErrInvalidRequest)
	}
	if !s.pool.IsAccessTokenValid(ctx, tokenID) {
		return nil, ErrTokenUnavailable
	}
	token, err := s.pool.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	result, err := s.backend.CheckVideoStatus(ctx, token.AccessToken, operations)
	if err != nil {
		s.metrics.ObserveGenerationFailure("video_status", string(balancer.Classify(err)))
	}
	if err != nil && flow.IsRateLimited(err) {
		if banErr := s.pool.BanForRateLimit(ctx, tokenID); banErr != nil {
			log.Error().Err(banErr).Uint("token_id", tokenID).Msg("429 禁用失败")
		}
	}
	return result, err
}
