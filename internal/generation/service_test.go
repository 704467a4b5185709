package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/db"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/models"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/Mieluoxxx/Flow2API/internal/token"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// refusingExecutor ST 换 AT 总是失败，项目创建返回固定 ID
type refusingExecutor struct{}

func (refusingExecutor) ExchangeSession(context.Context, string) (*flow.SessionInfo, error) {
	return nil, &flow.APIError{StatusCode: 401, StatusText: "HTTP_401", Message: "unauthorized"}
}

func (refusingExecutor) GetCredits(context.Context, string) (*flow.Credits, error) {
	return nil, errors.New("unused")
}

func (refusingExecutor) CreateProject(context.Context, string, string) (string, error) {
	return "proj-new", nil
}

// fakeBackend 记录调用并返回预设结果
type fakeBackend struct {
	mu       sync.Mutex
	err      error
	uploads  int
	calls    []string
	lastAT   string
	lastImg  flow.ImageRequest
	lastVid  flow.VideoRequest
	lastRefs []flow.ReferenceImage
	lastIDs  []string
}

func (f *fakeBackend) record(call, at string) {
	f.calls = append(f.calls, call)
	f.lastAT = at
}

func (f *fakeBackend) UploadImage(_ context.Context, at string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return "media-" + strconv.Itoa(f.uploads), nil
}

func (f *fakeBackend) GenerateImage(_ context.Context, at string, in flow.ImageRequest) (*flow.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("image", at)
	f.lastImg = in
	if f.err != nil {
		return nil, f.err
	}
	return &flow.ImageResult{Raw: []byte(`{"media":[]}`), Seeds: []int{1}}, nil
}

func (f *fakeBackend) video(call, at string, in flow.VideoRequest) (*flow.VideoTaskResult, error) {
	f.record(call, at)
	f.lastVid = in
	if f.err != nil {
		return nil, f.err
	}
	return &flow.VideoTaskResult{Operations: []flow.Operation{{Name: "op-1"}}}, nil
}

func (f *fakeBackend) GenerateVideoText(_ context.Context, at string, in flow.VideoRequest) (*flow.VideoTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video("text", at, in)
}

func (f *fakeBackend) GenerateVideoReferenceImages(_ context.Context, at string, in flow.VideoRequest, refs []flow.ReferenceImage) (*flow.VideoTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefs = refs
	return f.video("reference", at, in)
}

func (f *fakeBackend) GenerateVideoStartEnd(_ context.Context, at string, in flow.VideoRequest, start, end string) (*flow.VideoTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIDs = []string{start, end}
	return f.video("start_end", at, in)
}

func (f *fakeBackend) GenerateVideoStartImage(_ context.Context, at string, in flow.VideoRequest, start string) (*flow.VideoTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIDs = []string{start}
	return f.video("start_image", at, in)
}

func (f *fakeBackend) CheckVideoStatus(_ context.Context, at string, ops []flow.Operation) (*flow.VideoStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status", at)
	if f.err != nil {
		return nil, f.err
	}
	return &flow.VideoStatusResult{Operations: ops}, nil
}

type testEnv struct {
	repo    *token.Repository
	manager *token.Manager
	backend *fakeBackend
	metrics *stats.Metrics
	service *Service
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database))

	repo := token.NewRepository(database, nil)
	manager := token.NewManager(repo, refusingExecutor{}, nil, nil)
	backend := &fakeBackend{}
	metrics := stats.NewMetrics()
	selector := balancer.NewSelectorWithSeed(manager, balancer.NewLimiter(), nil, 1)
	return &testEnv{
		repo:    repo,
		manager: manager,
		backend: backend,
		metrics: metrics,
		service: NewService(manager, selector, backend, metrics),
	}
}

// addToken 直接写入一个可用的 Token
func (e *testEnv) addToken(t *testing.T, st string, expiresIn time.Duration, mutate func(*models.Token)) *models.Token {
	t.Helper()
	expiry := time.Now().Add(expiresIn).UTC()
	tok := &models.Token{
		SessionToken:      st,
		AccessToken:       "AT-" + st,
		AccessTokenExpiry: &expiry,
		Email:             st + "@x.com",
		IsActive:          true,
		PaygateTier:       "PAYGATE_TIER_TWO",
		CurrentProjectID:  "proj-" + st,
		ImageEnabled:      true,
		VideoEnabled:      true,
		ImageConcurrency:  models.UnlimitedConcurrency,
		VideoConcurrency:  models.UnlimitedConcurrency,
	}
	if mutate != nil {
		mutate(tok)
	}
	require.NoError(t, e.repo.AddToken(context.Background(), tok))
	return tok
}

func TestGenerateImage_Success(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)

	out, err := env.service.GenerateImage(ctx, ImageParams{
		Prompt:    "a cat",
		ModelName: "GEM_PIX",
		Images:    [][]byte{[]byte("png")},
		Count:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, tok.ID, out.TokenID)
	assert.Equal(t, "proj-A", out.ProjectID)

	assert.Equal(t, "AT-A", env.backend.lastAT)
	assert.Equal(t, "proj-A", env.backend.lastImg.ProjectID)
	assert.Equal(t, flow.DefaultImageAspect, env.backend.lastImg.AspectRatio)
	assert.Equal(t, []flow.ImageInput{{Name: "media-1", ImageInputType: flow.ImageInputReference}}, env.backend.lastImg.ImageInputs)
	assert.Equal(t, 2, env.backend.lastImg.Count)

	stats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ImageCount)

	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UseCount)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestGenerateImage_RateLimitBans(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)
	env.backend.err = &flow.APIError{StatusCode: 429, StatusText: "RESOURCE_EXHAUSTED", Message: "quota"}

	before := time.Now().UTC()
	_, err := env.service.GenerateImage(ctx, ImageParams{Prompt: "a cat", ModelName: "GEM_PIX"})
	after := time.Now().UTC()
	require.Error(t, err)
	assert.True(t, flow.IsRateLimited(err))

	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, models.BanReasonRateLimited, stored.BanReason)
	require.NotNil(t, stored.BannedAt)
	assert.False(t, stored.BannedAt.Before(before.Add(-time.Second)))
	assert.False(t, stored.BannedAt.After(after.Add(time.Second)))

	// 429 不计入错误数
	stats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ErrorCount)

	// 被禁用后不再被选中
	_, err = env.service.GenerateImage(ctx, ImageParams{Prompt: "a cat", ModelName: "GEM_PIX"})
	assert.ErrorIs(t, err, balancer.ErrNoAvailableToken)
}

func TestGenerateImage_FailureMetrics(t *testing.T) {
	env := setupService(t)
	env.addToken(t, "A", 24*time.Hour, nil)
	env.backend.err = &flow.APIError{StatusCode: 500, StatusText: "INTERNAL", Message: "boom"}

	_, err := env.service.GenerateImage(context.Background(), ImageParams{Prompt: "p", ModelName: "m"})
	require.Error(t, err)

	expected := `
# HELP flow2api_generation_failures_total Failed generation calls by kind and failure type.
# TYPE flow2api_generation_failures_total counter
flow2api_generation_failures_total{failure="server_error",kind="image"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(env.metrics.Registry(), strings.NewReader(expected), "flow2api_generation_failures_total"))
}

func TestGenerateImage_CaptchaBrowserUnavailable(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)
	env.backend.err = fmt.Errorf("generate_image: verification token: %w", captcha.ErrBrowserInit)

	for i := 0; i < 3; i++ {
		_, err := env.service.GenerateImage(ctx, ImageParams{Prompt: "p", ModelName: "m"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, captcha.ErrBrowserInit))
	}

	// 请求未发出，Token 不受影响
	tokenStats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tokenStats.ErrorCount)
	assert.Equal(t, 0, tokenStats.ConsecutiveErrorCount)

	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.Empty(t, stored.BanReason)
}

func TestGenerateImage_ErrorThreshold(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)
	env.backend.err = &flow.APIError{StatusCode: 500, StatusText: "INTERNAL", Message: "boom"}

	for i := 0; i < 3; i++ {
		_, err := env.service.GenerateImage(ctx, ImageParams{Prompt: "p", ModelName: "m"})
		require.Error(t, err)
	}

	stats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ConsecutiveErrorCount)

	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, models.BanReasonOther, stored.BanReason)
}

func TestGenerateImage_SuccessResetsConsecutive(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)

	env.backend.err = errors.New("connection reset")
	_, err := env.service.GenerateImage(ctx, ImageParams{Prompt: "p", ModelName: "m"})
	require.Error(t, err)

	env.backend.err = nil
	_, err = env.service.GenerateImage(ctx, ImageParams{Prompt: "p", ModelName: "m"})
	require.NoError(t, err)

	stats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ConsecutiveErrorCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, int64(1), stats.TodayErrorCount)
}

func TestGenerate_SkipsTokenWithFailedRefresh(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	expired := env.addToken(t, "OLD", 10*time.Minute, nil)
	good := env.addToken(t, "NEW", 24*time.Hour, nil)

	for i := 0; i < 3; i++ {
		out, err := env.service.GenerateImage(ctx, ImageParams{Prompt: "p", ModelName: "m"})
		require.NoError(t, err)
		assert.Equal(t, good.ID, out.TokenID)
	}

	// 刷新失败的 Token 已被禁用
	stored, err := env.repo.GetToken(ctx, expired.ID)
	require.NoError(t, err)
	if !stored.IsActive {
		assert.Equal(t, models.BanReasonOther, stored.BanReason)
	}
}

func TestGenerate_AllTokensUnusable(t *testing.T) {
	env := setupService(t)
	env.addToken(t, "OLD", 10*time.Minute, nil)

	_, err := env.service.GenerateImage(context.Background(), ImageParams{Prompt: "p", ModelName: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, balancer.ErrNoAvailableToken) || errors.Is(err, ErrTokenUnavailable))
}

func TestGenerate_CreatesProjectWhenMissing(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, func(tk *models.Token) { tk.CurrentProjectID = "" })

	out, err := env.service.GenerateVideo(ctx, VideoParams{Mode: VideoModeText, Prompt: "p", ModelKey: "veo"})
	require.NoError(t, err)
	assert.Equal(t, "proj-new", out.ProjectID)

	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-new", stored.CurrentProjectID)
}

func TestGenerateVideo_Modes(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)

	t.Run("文生视频", func(t *testing.T) {
		out, err := env.service.GenerateVideo(ctx, VideoParams{Mode: VideoModeText, Prompt: "p", ModelKey: "veo"})
		require.NoError(t, err)
		assert.Equal(t, tok.ID, out.TokenID)
		assert.Equal(t, "text", env.backend.calls[len(env.backend.calls)-1])
		assert.Equal(t, "PAYGATE_TIER_TWO", env.backend.lastVid.PaygateTier)
		assert.Equal(t, "proj-A", env.backend.lastVid.ProjectID)
	})

	t.Run("首帧", func(t *testing.T) {
		_, err := env.service.GenerateVideo(ctx, VideoParams{Mode: VideoModeStartImage, Prompt: "p", ModelKey: "veo", Images: [][]byte{{1}}})
		require.NoError(t, err)
		assert.Equal(t, "start_image", env.backend.calls[len(env.backend.calls)-1])
		assert.Len(t, env.backend.lastIDs, 1)
	})

	t.Run("首尾帧", func(t *testing.T) {
		_, err := env.service.GenerateVideo(ctx, VideoParams{Mode: VideoModeStartEnd, Prompt: "p", ModelKey: "veo", Images: [][]byte{{1}, {2}}})
		require.NoError(t, err)
		assert.Equal(t, "start_end", env.backend.calls[len(env.backend.calls)-1])
		assert.Len(t, env.backend.lastIDs, 2)
		assert.NotEqual(t, env.backend.lastIDs[0], env.backend.lastIDs[1])
	})

	t.Run("参考图", func(t *testing.T) {
		_, err := env.service.GenerateVideo(ctx, VideoParams{Mode: VideoModeReference, Prompt: "p", ModelKey: "veo", Images: [][]byte{{1}, {2}, {3}}})
		require.NoError(t, err)
		assert.Equal(t, "reference", env.backend.calls[len(env.backend.calls)-1])
		require.Len(t, env.backend.lastRefs, 3)
		assert.Equal(t, ReferenceUsageAsset, env.backend.lastRefs[0].ImageUsageType)
	})

	stats, err := env.repo.GetTokenStats(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.VideoCount)
}

func TestGenerateVideo_InvalidParams(t *testing.T) {
	env := setupService(t)
	env.addToken(t, "A", 24*time.Hour, nil)

	tests := []struct {
		name string
		p    VideoParams
	}{
		{"缺少提示词", VideoParams{Mode: VideoModeText, ModelKey: "veo"}},
		{"未知模式", VideoParams{Mode: "gif", Prompt: "p", ModelKey: "veo"}},
		{"首帧缺图", VideoParams{Mode: VideoModeStartImage, Prompt: "p", ModelKey: "veo"}},
		{"首尾帧图片数量错误", VideoParams{Mode: VideoModeStartEnd, Prompt: "p", ModelKey: "veo", Images: [][]byte{{1}}}},
		{"参考图缺图", VideoParams{Mode: VideoModeReference, Prompt: "p", ModelKey: "veo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.GenerateVideo(context.Background(), tt.p)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, env.backend.calls)
}

func TestGenerate_CapabilityDisabled(t *testing.T) {
	env := setupService(t)
	env.addToken(t, "A", 24*time.Hour, func(tk *models.Token) { tk.VideoEnabled = false })

	_, err := env.service.GenerateVideo(context.Background(), VideoParams{Mode: VideoModeText, Prompt: "p", ModelKey: "veo"})
	assert.ErrorIs(t, err, balancer.ErrNoAvailableToken)
}

func TestCheckVideoStatus(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	tok := env.addToken(t, "A", 24*time.Hour, nil)
	ops := []flow.Operation{{Name: "op-1"}}

	res, err := env.service.CheckVideoStatus(ctx, tok.ID, ops)
	require.NoError(t, err)
	assert.Len(t, res.Operations, 1)
	assert.Equal(t, "AT-A", env.backend.lastAT)

	_, err = env.service.CheckVideoStatus(ctx, tok.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	env.backend.err = &flow.APIError{StatusCode: 429, StatusText: "RESOURCE_EXHAUSTED"}
	_, err = env.service.CheckVideoStatus(ctx, tok.ID, ops)
	require.Error(t, err)
	stored, err := env.repo.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BanReasonRateLimited, stored.BanReason)

	_, err = env.service.CheckVideoStatus(ctx, 999, ops)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
}
