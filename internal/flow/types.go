package flow

import (
	"encoding/json"
	"time"
)

// 上游常量
const (
	ToolPinhole         = "PINHOLE"
	ToolAssetManager    = "ASSET_MANAGER"
	DefaultPaygateTier  = "PAYGATE_TIER_ONE"
	DefaultImageAspect  = "IMAGE_ASPECT_RATIO_LANDSCAPE"
	ImageInputReference = "IMAGE_INPUT_TYPE_REFERENCE"
	MaxSeed             = 99999
)

// 视频任务状态
const (
	VideoStatusPending    = "MEDIA_GENERATION_STATUS_PENDING"
	VideoStatusActive     = "MEDIA_GENERATION_STATUS_ACTIVE"
	VideoStatusSuccessful = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	VideoStatusFailed     = "MEDIA_GENERATION_STATUS_FAILED"
)

// User 身份信息
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image"`
}

// SessionInfo ST 换 AT 的结果
type SessionInfo struct {
	User        User
	AccessToken string
	Expires     *time.Time // 上游未返回或无法解析时为 nil
}

// sessionResponse /auth/session 响应
type sessionResponse struct {
	User        *User  `json:"user"`
	Expires     string `json:"expires"`
	AccessToken string `json:"access_token"`
}

// Credits 余额信息
type Credits struct {
	Credits     int    `json:"credits"`
	PaygateTier string `json:"userPaygateTier"`
}

// ImageInput 图片生成的参考图
type ImageInput struct {
	Name           string `json:"name"`
	ImageInputType string `json:"imageInputType"`
}

// ImageRequest 图片生成请求
type ImageRequest struct {
	ProjectID   string
	Prompt      string
	ModelName   string
	AspectRatio string
	ImageInputs []ImageInput
	Count       int // 生成数量，<=0 按 1 处理
}

// ImageResult 图片生成结果
// Seeds 为本次请求使用的随机种子，仅用于回显和排查
type ImageResult struct {
	Raw   json.RawMessage
	Seeds []int
}

// VideoRequest 视频生成的公共参数
type VideoRequest struct {
	ProjectID   string
	Prompt      string
	ModelKey    string
	AspectRatio string
	PaygateTier string // 为空时使用 PAYGATE_TIER_ONE
}

// ReferenceImage 视频参考图
type ReferenceImage struct {
	ImageUsageType string `json:"imageUsageType"`
	MediaID        string `json:"mediaId"`
}

// Operation 视频任务句柄
// 上游返回的原始 JSON 会被保留，查询状态时原样回传
type Operation struct {
	Name    string
	SceneID string
	Status  string

	raw json.RawMessage
}

type operationWire struct {
	Operation struct {
		Name string `json:"name"`
	} `json:"operation"`
	SceneID string `json:"sceneId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// UnmarshalJSON 解析并保留原始 JSON
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.Name = w.Operation.Name
	o.SceneID = w.SceneID
	o.Status = w.Status
	o.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON 优先输出上游原始 JSON
func (o Operation) MarshalJSON() ([]byte, error) {
	if len(o.raw) > 0 {
		return o.raw, nil
	}
	var w operationWire
	w.Operation.Name = o.Name
	w.SceneID = o.SceneID
	w.Status = o.Status
	return json.Marshal(w)
}

// Done 任务是否已结束（成功或失败）
func (o Operation) Done() bool {
	return o.Status == VideoStatusSuccessful || o.Status == VideoStatusFailed
}

// VideoTaskResult 视频任务提交结果
type VideoTaskResult struct {
	Operations       []Operation     `json:"operations"`
	RemainingCredits int             `json:"remainingCredits"`
	Raw              json.RawMessage `json:"-"`
}

// VideoStatusResult 视频任务状态
type VideoStatusResult struct {
	Operations []Operation     `json:"operations"`
	Raw        json.RawMessage `json:"-"`
}

// ---- 请求体 ----

type clientContext struct {
	RecaptchaToken  string `json:"recaptchaToken"`
	ProjectID       string `json:"projectId,omitempty"`
	SessionID       string `json:"sessionId"`
	Tool            string `json:"tool,omitempty"`
	UserPaygateTier string `json:"userPaygateTier,omitempty"`
}

type imageItem struct {
	ClientContext    clientContext `json:"clientContext"`
	Seed             int           `json:"seed"`
	ImageModelName   string        `json:"imageModelName"`
	ImageAspectRatio string        `json:"imageAspectRatio"`
	Prompt           string        `json:"prompt"`
	ImageInputs      []ImageInput  `json:"imageInputs"`
}

type imageBatch struct {
	ClientContext clientContext `json:"clientContext"`
	Requests      []imageItem   `json:"requests"`
}

type textInput struct {
	Prompt string `json:"prompt"`
}

type mediaRef struct {
	MediaID string `json:"mediaId"`
}

type videoMetadata struct {
	SceneID string `json:"sceneId"`
}

type videoItem struct {
	AspectRatio     string           `json:"aspectRatio"`
	Seed            int              `json:"seed"`
	TextInput       textInput        `json:"textInput"`
	VideoModelKey   string           `json:"videoModelKey"`
	ReferenceImages []ReferenceImage `json:"referenceImages,omitempty"`
	StartImage      *mediaRef        `json:"startImage,omitempty"`
	EndImage        *mediaRef        `json:"endImage,omitempty"`
	Metadata        videoMetadata    `json:"metadata"`
}

type videoBatch struct {
	ClientContext clientContext `json:"clientContext"`
	Requests      []videoItem   `json:"requests"`
}

type uploadContext struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
}

type uploadImageInput struct {
	RawImageBytes  string `json:"rawImageBytes"`
	MimeType       string `json:"mimeType"`
	IsUserUploaded bool   `json:"isUserUploaded"`
	AspectRatio    string `json:"aspectRatio"`
}

type uploadRequest struct {
	ImageInput    uploadImageInput `json:"imageInput"`
	ClientContext uploadContext    `json:"clientContext"`
}

// rpcEnvelope labs 接口的 {"json": {...}} 请求格式
type rpcEnvelope struct {
	JSON interface{} `json:"json"`
}
