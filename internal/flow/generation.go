package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// UploadImage 上传图片，返回 mediaGenerationId
// VIDEO_ 前缀的宽高比会被改写为 IMAGE_ 前缀
func (c *Client) UploadImage(ctx context.Context, at string, image []byte, aspectRatio string) (string, error) {
	if aspectRatio == "" {
		aspectRatio = DefaultImageAspect
	}
	aspectRatio = NormalizeImageAspect(aspectRatio)

	body := uploadRequest{
		ImageInput: uploadImageInput{
			RawImageBytes:  base64.StdEncoding.EncodeToString(image),
			MimeType:       "image/jpeg",
			IsUserUploaded: true,
			AspectRatio:    aspectRatio,
		},
		ClientContext: uploadContext{
			SessionID: c.newSessionID(),
			Tool:      ToolAssetManager,
		},
	}

	var resp struct {
		MediaGenerationID struct {
			MediaGenerationID string `json:"mediaGenerationId"`
		} `json:"mediaGenerationId"`
	}
	if err := c.do(ctx, "upload_image", http.MethodPost, c.apiURL(":uploadUserImage"), bearerAuth(at), body, &resp); err != nil {
		return "", err
	}

	mediaID := resp.MediaGenerationID.MediaGenerationID
	if mediaID == "" {
		return "", errors.New("upload response missing mediaGenerationId")
	}
	return mediaID, nil
}

// NormalizeImageAspect 将 VIDEO_ 前缀改写为 IMAGE_
func NormalizeImageAspect(aspectRatio string) string {
	if strings.HasPrefix(aspectRatio, "VIDEO_") {
		return "IMAGE_" + strings.TrimPrefix(aspectRatio, "VIDEO_")
	}
	return aspectRatio
}

// GenerateImage 批量生成图片（同步返回）
// 一次请求包含 Count 个子请求，每个子请求使用独立的随机种子
func (c *Client) GenerateImage(ctx context.Context, at string, in ImageRequest) (*ImageResult, error) {
	count := in.Count
	if count <= 0 {
		count = 1
	}
	inputs := in.ImageInputs
	if inputs == nil {
		inputs = []ImageInput{}
	}

	recaptcha, err := c.verificationToken(ctx, "generate_image", in.ProjectID)
	if err != nil {
		return nil, err
	}
	sessionID := c.newSessionID()

	seeds := make([]int, 0, count)
	items := make([]imageItem, 0, count)
	for i := 0; i < count; i++ {
		seed := c.seed()
		seeds = append(seeds, seed)
		items = append(items, imageItem{
			ClientContext: clientContext{
				RecaptchaToken: recaptcha,
				ProjectID:      in.ProjectID,
				SessionID:      sessionID,
				Tool:           ToolPinhole,
			},
			Seed:             seed,
			ImageModelName:   in.ModelName,
			ImageAspectRatio: in.AspectRatio,
			Prompt:           in.Prompt,
			ImageInputs:      inputs,
		})
	}

	body := imageBatch{
		ClientContext: clientContext{RecaptchaToken: recaptcha, SessionID: sessionID},
		Requests:      items,
	}

	var raw json.RawMessage
	url := c.apiURL("/projects/" + in.ProjectID + "/flowMedia:batchGenerateImages")
	if err := c.do(ctx, "generate_image", http.MethodPost, url, bearerAuth(at), body, &raw); err != nil {
		return nil, err
	}
	return &ImageResult{Raw: raw, Seeds: seeds}, nil
}

// GenerateVideoText 文生视频
func (c *Client) GenerateVideoText(ctx context.Context, at string, in VideoRequest) (*VideoTaskResult, error) {
	return c.submitVideo(ctx, "generate_video_text", "/video:batchAsyncGenerateVideoText", at, in, func(*videoItem) {})
}

// GenerateVideoReferenceImages 参考图生成视频
func (c *Client) GenerateVideoReferenceImages(ctx context.Context, at string, in VideoRequest, refs []ReferenceImage) (*VideoTaskResult, error) {
	return c.submitVideo(ctx, "generate_video_reference", "/video:batchAsyncGenerateVideoReferenceImages", at, in, func(item *videoItem) {
		item.ReferenceImages = refs
	})
}

// GenerateVideoStartEnd 首尾帧生成视频
func (c *Client) GenerateVideoStartEnd(ctx context.Context, at string, in VideoRequest, startMediaID, endMediaID string) (*VideoTaskResult, error) {
	return c.submitVideo(ctx, "generate_video_start_end", "/video:batchAsyncGenerateVideoStartAndEndImage", at, in, func(item *videoItem) {
		item.StartImage = &mediaRef{MediaID: startMediaID}
		item.EndImage = &mediaRef{MediaID: endMediaID}
	})
}

// GenerateVideoStartImage 仅首帧生成视频
func (c *Client) GenerateVideoStartImage(ctx context.Context, at string, in VideoRequest, startMediaID string) (*VideoTaskResult, error) {
	return c.submitVideo(ctx, "generate_video_start", "/video:batchAsyncGenerateVideoStartAndEndImage", at, in, func(item *videoItem) {
		item.StartImage = &mediaRef{MediaID: startMediaID}
	})
}

// submitVideo 提交异步视频任务，返回任务句柄
func (c *Client) submitVideo(ctx context.Context, op, path, at string, in VideoRequest, fill func(*videoItem)) (*VideoTaskResult, error) {
	tier := in.PaygateTier
	if tier == "" {
		tier = DefaultPaygateTier
	}

	item := videoItem{
		AspectRatio:   in.AspectRatio,
		Seed:          c.seed(),
		TextInput:     textInput{Prompt: in.Prompt},
		VideoModelKey: in.ModelKey,
		Metadata:      videoMetadata{SceneID: newSceneID()},
	}
	fill(&item)

	recaptcha, err := c.verificationToken(ctx, op, in.ProjectID)
	if err != nil {
		return nil, err
	}

	body := videoBatch{
		ClientContext: clientContext{
			RecaptchaToken:  recaptcha,
			SessionID:       c.newSessionID(),
			ProjectID:       in.ProjectID,
			Tool:            ToolPinhole,
			UserPaygateTier: tier,
		},
		Requests: []videoItem{item},
	}

	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodPost, c.apiURL(path), bearerAuth(at), body, &raw); err != nil {
		return nil, err
	}

	result := &VideoTaskResult{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// CheckVideoStatus 批量查询视频任务状态
// 本方法不做轮询，轮询节奏由调用方决定
func (c *Client) CheckVideoStatus(ctx context.Context, at string, operations []Operation) (*VideoStatusResult, error) {
	body := struct {
		Operations []Operation `json:"operations"`
	}{Operations: operations}

	var raw json.RawMessage
	if err := c.do(ctx, "check_video_status", http.MethodPost, c.apiURL("/video:batchCheckAsyncVideoGenerationStatus"), bearerAuth(at), body, &raw); err != nil {
		return nil, err
	}

	result := &VideoStatusResult{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}
