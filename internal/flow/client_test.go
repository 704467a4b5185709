package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorded 记录测试服务器收到的请求
type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type fakeUpstream struct {
	mu       sync.Mutex
	requests []recorded
	handlers map[string]http.HandlerFunc
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	f.mu.Unlock()

	if h, ok := f.handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	http.NotFound(w, r)
}

func (f *fakeUpstream) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

type staticToken struct {
	token    string
	err      error
	projects []string
}

func (s *staticToken) Token(_ context.Context, projectID string) (string, error) {
	s.projects = append(s.projects, projectID)
	return s.token, s.err
}

func setupClient(t *testing.T, handlers map[string]http.HandlerFunc, tokens TokenSource) (*Client, *fakeUpstream, *stats.Metrics) {
	t.Helper()
	upstream := &fakeUpstream{handlers: handlers}
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	metrics := stats.NewMetrics()
	c := NewClient(Options{
		LabsBaseURL: srv.URL + "/fx/api/",
		APIBaseURL:  srv.URL + "/v1",
		Timeout:     5 * time.Second,
	}, nil, tokens, metrics)
	t.Cleanup(c.Close)

	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	seed := 0
	c.seed = func() int {
		seed++
		return seed
	}
	return c, upstream, metrics
}

func TestClient_ExchangeSession(t *testing.T) {
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/fx/api/auth/session": jsonHandler(http.StatusOK, `{
			"user": {"name": "Alice", "email": "alice@example.com"},
			"expires": "2025-01-01T12:00:00.000Z",
			"access_token": "ya29.new"
		}`),
	}, nil)

	info, err := c.ExchangeSession(context.Background(), "st-value")
	require.NoError(t, err)
	assert.Equal(t, "ya29.new", info.AccessToken)
	assert.Equal(t, "alice@example.com", info.User.Email)
	assert.Equal(t, "Alice", info.User.Name)
	require.NotNil(t, info.Expires)
	assert.True(t, info.Expires.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))

	req := upstream.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "__Secure-next-auth.session-token=st-value", req.Header.Get("Cookie"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestClient_ExchangeSession_Errors(t *testing.T) {
	t.Run("缺少 access_token", func(t *testing.T) {
		c, _, _ := setupClient(t, map[string]http.HandlerFunc{
			"/fx/api/auth/session": jsonHandler(http.StatusOK, `{}`),
		}, nil)
		_, err := c.ExchangeSession(context.Background(), "st")
		require.Error(t, err)
	})

	t.Run("过期时间无法解析", func(t *testing.T) {
		c, _, _ := setupClient(t, map[string]http.HandlerFunc{
			"/fx/api/auth/session": jsonHandler(http.StatusOK, `{"access_token":"at","expires":"soon"}`),
		}, nil)
		info, err := c.ExchangeSession(context.Background(), "st")
		require.NoError(t, err)
		assert.Nil(t, info.Expires)
	})

	t.Run("上游 401", func(t *testing.T) {
		c, _, _ := setupClient(t, map[string]http.HandlerFunc{
			"/fx/api/auth/session": jsonHandler(http.StatusUnauthorized, `unauthorized`),
		}, nil)
		_, err := c.ExchangeSession(context.Background(), "st")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "HTTP_401", apiErr.StatusText)
		assert.Equal(t, "unauthorized", apiErr.Message)
	})
}

func TestClient_GetCredits(t *testing.T) {
	c, upstream, metrics := setupClient(t, map[string]http.HandlerFunc{
		"/v1/credits": jsonHandler(http.StatusOK, `{"credits": 920, "userPaygateTier": "PAYGATE_TIER_TWO"}`),
	}, nil)

	credits, err := c.GetCredits(context.Background(), "at-value")
	require.NoError(t, err)
	assert.Equal(t, 920, credits.Credits)
	assert.Equal(t, "PAYGATE_TIER_TWO", credits.PaygateTier)

	req := upstream.last(t)
	assert.Equal(t, "Bearer at-value", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Cookie"))

	n, err := testutil.GatherAndCount(metrics.Registry(), "flow2api_upstream_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_APIErrorParsing(t *testing.T) {
	c, _, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1/credits": jsonHandler(http.StatusTooManyRequests,
			`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`),
	}, nil)

	_, err := c.GetCredits(context.Background(), "at")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "RESOURCE_EXHAUSTED", apiErr.StatusText)
	assert.Equal(t, "Resource has been exhausted", apiErr.Message)
	assert.Equal(t, "HTTP 429: RESOURCE_EXHAUSTED - Resource has been exhausted", apiErr.Error())
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Options{LabsBaseURL: url, APIBaseURL: url, Timeout: time.Second}, nil, nil, nil)
	defer c.Close()

	_, err := c.GetCredits(context.Background(), "at")
	require.Error(t, err)

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "credits", transportErr.Op)
	assert.Equal(t, http.MethodGet, transportErr.Method)
	assert.Contains(t, err.Error(), "flow api request failed: GET "+url+"/credits after")
	assert.False(t, IsRateLimited(err))
	assert.Equal(t, 0, StatusCode(err))
}

func TestClient_TransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Options{LabsBaseURL: srv.URL, APIBaseURL: srv.URL, Timeout: 100 * time.Millisecond}, nil, nil, nil)
	defer c.Close()

	_, err := c.GetCredits(context.Background(), "at")
	require.Error(t, err)

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.GreaterOrEqual(t, transportErr.Elapsed, 100*time.Millisecond)
	assert.Less(t, transportErr.Elapsed, 5*time.Second)
	assert.Contains(t, err.Error(), "flow api request failed: GET "+srv.URL+"/credits after")
	assert.Contains(t, err.Error(), fmt.Sprintf("after %dms", transportErr.Elapsed.Milliseconds()))
	assert.Equal(t, 0, StatusCode(err))
}

func TestClient_DefaultSeedRange(t *testing.T) {
	c := NewClient(Options{}, nil, nil, nil)
	defer c.Close()

	for i := 0; i < 10000; i++ {
		seed := c.seed()
		require.GreaterOrEqual(t, seed, 1)
		require.LessOrEqual(t, seed, 99999)
	}
}

func TestClient_UserAgent(t *testing.T) {
	upstream := &fakeUpstream{handlers: map[string]http.HandlerFunc{
		"/v1/credits": jsonHandler(http.StatusOK, `{"credits":1}`),
	}}
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	t.Run("未模拟指纹时使用默认 UA", func(t *testing.T) {
		c := NewClient(Options{APIBaseURL: srv.URL + "/v1"}, nil, nil, nil)
		defer c.Close()

		_, err := c.GetCredits(context.Background(), "at")
		require.NoError(t, err)
		assert.Equal(t, defaultUserAgent, upstream.last(t).Header.Get("User-Agent"))
	})

	t.Run("模拟指纹时保留 Chrome UA", func(t *testing.T) {
		c := NewClient(Options{APIBaseURL: srv.URL + "/v1", Impersonate: true}, nil, nil, nil)
		defer c.Close()

		_, err := c.GetCredits(context.Background(), "at")
		require.NoError(t, err)
		assert.Contains(t, upstream.last(t).Header.Get("User-Agent"), "Chrome/")
	})
}

func TestClient_ProjectLifecycle(t *testing.T) {
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/fx/api/trpc/project.createProject": jsonHandler(http.StatusOK,
			`{"result":{"data":{"json":{"result":{"projectId":"proj-1"}}}}}`),
		"/fx/api/trpc/project.deleteProject": jsonHandler(http.StatusOK, `{}`),
		"/fx/api/trpc/media.deleteMedia":     jsonHandler(http.StatusOK, `{}`),
	}, nil)
	ctx := context.Background()

	projectID, err := c.CreateProject(ctx, "st", "Jan 02 - 15:04")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", projectID)
	assert.JSONEq(t, `{"json":{"projectTitle":"Jan 02 - 15:04","toolName":"PINHOLE"}}`, string(upstream.last(t).Body))

	require.NoError(t, c.DeleteProject(ctx, "st", "proj-1"))
	assert.JSONEq(t, `{"json":{"projectToDeleteId":"proj-1"}}`, string(upstream.last(t).Body))

	require.NoError(t, c.DeleteMedia(ctx, "st", []string{"m1", "m2"}))
	assert.JSONEq(t, `{"json":{"names":["m1","m2"]}}`, string(upstream.last(t).Body))
}

func TestClient_CreateProject_MissingID(t *testing.T) {
	c, _, _ := setupClient(t, map[string]http.HandlerFunc{
		"/fx/api/trpc/project.createProject": jsonHandler(http.StatusOK, `{"result":{}}`),
	}, nil)

	_, err := c.CreateProject(context.Background(), "st", "title")
	require.Error(t, err)
}

func TestClient_UploadImage(t *testing.T) {
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1:uploadUserImage": jsonHandler(http.StatusOK, `{"mediaGenerationId":{"mediaGenerationId":"media-9"}}`),
	}, nil)

	mediaID, err := c.UploadImage(context.Background(), "at", []byte("jpeg"), "VIDEO_ASPECT_RATIO_PORTRAIT")
	require.NoError(t, err)
	assert.Equal(t, "media-9", mediaID)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(upstream.last(t).Body, &body))
	assert.Equal(t, "anBlZw==", body["imageInput"]["rawImageBytes"])
	assert.Equal(t, "image/jpeg", body["imageInput"]["mimeType"])
	assert.Equal(t, true, body["imageInput"]["isUserUploaded"])
	assert.Equal(t, "IMAGE_ASPECT_RATIO_PORTRAIT", body["imageInput"]["aspectRatio"])
	assert.Equal(t, "ASSET_MANAGER", body["clientContext"]["tool"])
	assert.Equal(t, ";1700000000123", body["clientContext"]["sessionId"])
}

func TestNormalizeImageAspect(t *testing.T) {
	assert.Equal(t, "IMAGE_ASPECT_RATIO_LANDSCAPE", NormalizeImageAspect("VIDEO_ASPECT_RATIO_LANDSCAPE"))
	assert.Equal(t, "IMAGE_ASPECT_RATIO_SQUARE", NormalizeImageAspect("IMAGE_ASPECT_RATIO_SQUARE"))
}

func TestClient_GenerateImage(t *testing.T) {
	tokens := &staticToken{token: "rc-token"}
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1/projects/proj-1/flowMedia:batchGenerateImages": jsonHandler(http.StatusOK, `{"media":[{"name":"a"}]}`),
	}, tokens)

	result, err := c.GenerateImage(context.Background(), "at", ImageRequest{
		ProjectID:   "proj-1",
		Prompt:      "a cat",
		ModelName:   "GEM_PIX",
		AspectRatio: "IMAGE_ASPECT_RATIO_LANDSCAPE",
		Count:       2,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"media":[{"name":"a"}]}`, string(result.Raw))
	assert.Equal(t, []int{1, 2}, result.Seeds)

	// 一次请求只获取一次验证码
	assert.Equal(t, []string{"proj-1"}, tokens.projects)

	var body imageBatch
	require.NoError(t, json.Unmarshal(upstream.last(t).Body, &body))
	assert.Equal(t, "rc-token", body.ClientContext.RecaptchaToken)
	assert.Equal(t, ";1700000000123", body.ClientContext.SessionID)
	require.Len(t, body.Requests, 2)
	for i, item := range body.Requests {
		assert.Equal(t, i+1, item.Seed)
		assert.Equal(t, "proj-1", item.ClientContext.ProjectID)
		assert.Equal(t, "PINHOLE", item.ClientContext.Tool)
		assert.Equal(t, "rc-token", item.ClientContext.RecaptchaToken)
		assert.Equal(t, body.ClientContext.SessionID, item.ClientContext.SessionID)
		assert.Equal(t, "GEM_PIX", item.ImageModelName)
		assert.NotNil(t, item.ImageInputs)
	}
}

func TestClient_GenerateImage_WithoutCaptcha(t *testing.T) {
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1/projects/p/flowMedia:batchGenerateImages": jsonHandler(http.StatusOK, `{}`),
	}, &staticToken{})

	_, err := c.GenerateImage(context.Background(), "at", ImageRequest{ProjectID: "p", Prompt: "x"})
	require.NoError(t, err)

	var body imageBatch
	require.NoError(t, json.Unmarshal(upstream.last(t).Body, &body))
	assert.Empty(t, body.ClientContext.RecaptchaToken)
	assert.Len(t, body.Requests, 1)
}

func TestClient_GenerateImage_CaptchaBrowserUnavailable(t *testing.T) {
	tokens := &staticToken{err: fmt.Errorf("captcha browser: %w", captcha.ErrBrowserInit)}
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1/projects/p/flowMedia:batchGenerateImages": jsonHandler(http.StatusOK, `{}`),
		"/v1/video:batchAsyncGenerateVideoText":        jsonHandler(http.StatusOK, `{}`),
	}, tokens)

	_, err := c.GenerateImage(context.Background(), "at", ImageRequest{ProjectID: "p", Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, captcha.ErrBrowserInit))

	_, err = c.GenerateVideoText(context.Background(), "at", VideoRequest{ProjectID: "p", Prompt: "x", ModelKey: "veo"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, captcha.ErrBrowserInit))

	// 请求未发出
	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	assert.Empty(t, upstream.requests)
}

func TestClient_GenerateVideo(t *testing.T) {
	const taskResponse = `{"operations":[{"operation":{"name":"op-1"},"sceneId":"s-1","status":"MEDIA_GENERATION_STATUS_PENDING"}],"remainingCredits":880}`
	handlers := map[string]http.HandlerFunc{
		"/v1/video:batchAsyncGenerateVideoText":             jsonHandler(http.StatusOK, taskResponse),
		"/v1/video:batchAsyncGenerateVideoReferenceImages":  jsonHandler(http.StatusOK, taskResponse),
		"/v1/video:batchAsyncGenerateVideoStartAndEndImage": jsonHandler(http.StatusOK, taskResponse),
	}
	c, upstream, _ := setupClient(t, handlers, &staticToken{token: "rc"})
	ctx := context.Background()
	in := VideoRequest{ProjectID: "proj-1", Prompt: "waves", ModelKey: "veo_3", AspectRatio: "VIDEO_ASPECT_RATIO_LANDSCAPE"}

	t.Run("文生视频", func(t *testing.T) {
		result, err := c.GenerateVideoText(ctx, "at", in)
		require.NoError(t, err)
		require.Len(t, result.Operations, 1)
		assert.Equal(t, "op-1", result.Operations[0].Name)
		assert.Equal(t, 880, result.RemainingCredits)
		assert.False(t, result.Operations[0].Done())

		var body videoBatch
		req := upstream.last(t)
		assert.Equal(t, "/v1/video:batchAsyncGenerateVideoText", req.Path)
		require.NoError(t, json.Unmarshal(req.Body, &body))
		assert.Equal(t, "PAYGATE_TIER_ONE", body.ClientContext.UserPaygateTier)
		assert.Equal(t, "PINHOLE", body.ClientContext.Tool)
		assert.Equal(t, "proj-1", body.ClientContext.ProjectID)
		require.Len(t, body.Requests, 1)
		assert.Equal(t, "waves", body.Requests[0].TextInput.Prompt)
		assert.NotEmpty(t, body.Requests[0].Metadata.SceneID)
		assert.Nil(t, body.Requests[0].StartImage)
		assert.NotContains(t, string(req.Body), "referenceImages")
	})

	t.Run("参考图", func(t *testing.T) {
		refs := []ReferenceImage{{ImageUsageType: "IMAGE_USAGE_TYPE_ASSET", MediaID: "m1"}}
		_, err := c.GenerateVideoReferenceImages(ctx, "at", in, refs)
		require.NoError(t, err)

		var body videoBatch
		require.NoError(t, json.Unmarshal(upstream.last(t).Body, &body))
		assert.Equal(t, refs, body.Requests[0].ReferenceImages)
	})

	t.Run("首尾帧", func(t *testing.T) {
		_, err := c.GenerateVideoStartEnd(ctx, "at", in, "start", "end")
		require.NoError(t, err)

		var body videoBatch
		require.NoError(t, json.Unmarshal(upstream.last(t).Body, &body))
		require.NotNil(t, body.Requests[0].StartImage)
		require.NotNil(t, body.Requests[0].EndImage)
		assert.Equal(t, "start", body.Requests[0].StartImage.MediaID)
		assert.Equal(t, "end", body.Requests[0].EndImage.MediaID)
	})

	t.Run("仅首帧", func(t *testing.T) {
		_, err := c.GenerateVideoStartImage(ctx, "at", in, "start")
		require.NoError(t, err)

		req := upstream.last(t)
		assert.Equal(t, "/v1/video:batchAsyncGenerateVideoStartAndEndImage", req.Path)
		assert.NotContains(t, string(req.Body), "endImage")
	})
}

func TestClient_CheckVideoStatus(t *testing.T) {
	c, upstream, _ := setupClient(t, map[string]http.HandlerFunc{
		"/v1/video:batchCheckAsyncVideoGenerationStatus": jsonHandler(http.StatusOK,
			`{"operations":[{"operation":{"name":"op-1","metadata":{"video":{"fifeUrl":"https://x"}}},"status":"MEDIA_GENERATION_STATUS_SUCCESSFUL"}]}`),
	}, nil)

	var submitted struct {
		Operations []Operation `json:"operations"`
	}
	raw := `{"operations":[{"operation":{"name":"op-1"},"sceneId":"s-1","status":"MEDIA_GENERATION_STATUS_PENDING","extra":true}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &submitted))

	result, err := c.CheckVideoStatus(context.Background(), "at", submitted.Operations)
	require.NoError(t, err)
	require.Len(t, result.Operations, 1)
	assert.True(t, result.Operations[0].Done())
	assert.Contains(t, string(result.Raw), "fifeUrl")

	// 任务句柄原样回传
	assert.True(t, strings.Contains(string(upstream.last(t).Body), `"extra":true`))
}
