package flow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ExchangeSession ST 换 AT，同时返回账号身份信息
func (c *Client) ExchangeSession(ctx context.Context, st string) (*SessionInfo, error) {
	var resp sessionResponse
	err := c.do(ctx, "exchange_session", http.MethodGet, c.labsURL("/auth/session"), sessionAuth(st), nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.New("session response missing access_token")
	}

	info := &SessionInfo{AccessToken: resp.AccessToken}
	if resp.User != nil {
		info.User = *resp.User
	}
	if expires, ok := parseExpiry(resp.Expires); ok {
		info.Expires = &expires
	}
	return info, nil
}

// parseExpiry 解析 ISO 8601 时间，无时区信息时按 UTC 处理
func parseExpiry(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// GetCredits 查询余额
func (c *Client) GetCredits(ctx context.Context, at string) (*Credits, error) {
	var credits Credits
	if err := c.do(ctx, "credits", http.MethodGet, c.apiURL("/credits"), bearerAuth(at), nil, &credits); err != nil {
		return nil, err
	}
	return &credits, nil
}

// CreateProject 创建项目，返回 projectId
func (c *Client) CreateProject(ctx context.Context, st, title string) (string, error) {
	body := rpcEnvelope{JSON: map[string]string{
		"projectTitle": title,
		"toolName":     ToolPinhole,
	}}

	var resp struct {
		Result struct {
			Data struct {
				JSON struct {
					Result struct {
						ProjectID string `json:"projectId"`
					} `json:"result"`
				} `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}
	err := c.do(ctx, "create_project", http.MethodPost, c.labsURL("/trpc/project.createProject"), sessionAuth(st), body, &resp)
	if err != nil {
		return "", err
	}

	projectID := resp.Result.Data.JSON.Result.ProjectID
	if projectID == "" {
		return "", errors.New("create project response missing projectId")
	}
	return projectID, nil
}

// DeleteProject 删除项目
func (c *Client) DeleteProject(ctx context.Context, st, projectID string) error {
	body := rpcEnvelope{JSON: map[string]string{"projectToDeleteId": projectID}}
	return c.do(ctx, "delete_project", http.MethodPost, c.labsURL("/trpc/project.deleteProject"), sessionAuth(st), body, nil)
}

// DeleteMedia 删除媒体
func (c *Client) DeleteMedia(ctx context.Context, st string, names []string) error {
	body := rpcEnvelope{JSON: map[string][]string{"names": names}}
	return c.do(ctx, "delete_media", http.MethodPost, c.labsURL("/trpc/media.deleteMedia"), sessionAuth(st), body, nil)
}
