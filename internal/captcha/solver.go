package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
)

// reCAPTCHA 站点参数
const (
	SiteKey        = "6LdsFiUsAAAAAIjVDZcuLhaHiDn5nnHVXVRQGeMV"
	PageAction     = "FLOW_GENERATION"
	projectPageURL = "https://labs.google/fx/tools/flow/project/"
	solverTaskType = "RecaptchaV3TaskProxylessM1"
)

const (
	defaultSolverAttempts = 40
	defaultSolverInterval = 3 * time.Second
)

var (
	// ErrSolverNoTask 打码平台未返回任务 ID
	ErrSolverNoTask = errors.New("solver did not return a task id")
	// ErrSolverTimeout 轮询次数耗尽仍未拿到结果
	ErrSolverTimeout = errors.New("solver result not ready after max attempts")
)

// ProjectPageURL 项目页面地址
func ProjectPageURL(projectID string) string {
	return projectPageURL + projectID
}

// Solver 远程打码平台（YesCaptcha 协议）
type Solver struct {
	client   *req.Client
	attempts int
	interval time.Duration
}

// NewSolver 创建打码客户端
func NewSolver(timeout time.Duration, impersonate bool) *Solver {
	client := req.C().SetTimeout(timeout)
	if impersonate {
		client.ImpersonateChrome()
	}
	return &Solver{
		client:   client,
		attempts: defaultSolverAttempts,
		interval: defaultSolverInterval,
	}
}

type solverTask struct {
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
	Type       string `json:"type"`
	PageAction string `json:"pageAction"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID  int    `json:"errorId"`
	Status   string `json:"status"`
	Solution struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// Solve 创建任务并轮询结果
// 轮询间隔固定，只在拿到 token 时提前结束
func (s *Solver) Solve(ctx context.Context, baseURL, apiKey, projectID string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	// 1. 创建任务
	var created createTaskResponse
	_, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"clientKey": apiKey,
			"task": solverTask{
				WebsiteURL: ProjectPageURL(projectID),
				WebsiteKey: SiteKey,
				Type:       solverTaskType,
				PageAction: PageAction,
			},
		}).
		SetSuccessResult(&created).
		Post(baseURL + "/createTask")
	if err != nil {
		return "", fmt.Errorf("create solver task: %w", err)
	}
	if created.TaskID == "" {
		if created.ErrorDescription != "" {
			return "", fmt.Errorf("%w: %s", ErrSolverNoTask, created.ErrorDescription)
		}
		return "", ErrSolverNoTask
	}
	log.Debug().Str("task_id", created.TaskID).Msg("solver task created")

	// 2. 轮询结果
	for i := 0; i < s.attempts; i++ {
		var result taskResultResponse
		_, err := s.client.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"clientKey": apiKey,
				"taskId":    created.TaskID,
			}).
			SetSuccessResult(&result).
			Post(baseURL + "/getTaskResult")
		if err != nil {
			return "", fmt.Errorf("poll solver task: %w", err)
		}
		if token := result.Solution.GRecaptchaResponse; token != "" {
			return token, nil
		}
		log.Debug().Str("task_id", created.TaskID).Int("attempt", i+1).Str("status", result.Status).Msg("solver task pending")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.interval):
		}
	}
	return "", ErrSolverTimeout
}
