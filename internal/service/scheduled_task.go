package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

// 任务类型
const (
	TaskKindHTTP   = "http"
	TaskKindScript = "script"
)

const maxTaskTimeout = 5 * time.Minute

// ScheduledTaskService 定时任务触发（执行在 job dispatcher 中完成）
type ScheduledTaskService interface {
	Trigger(ctx context.Context, req ScheduledTaskRequest) (string, error)
	RegisterHandlers(r HandlerRegistry)
}

// ScheduledTaskRequest 任务定义
type ScheduledTaskRequest struct {
	Name           string            `json:"name"`
	Kind           string            `json:"kind"`
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Script         string            `json:"script,omitempty"`
}

type scheduledTaskService struct {
	publisher  Publisher
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewScheduledTaskService 创建 ScheduledTaskService
func NewScheduledTaskService(publisher Publisher, logger *zap.Logger) ScheduledTaskService {
	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "riveredge-scheduler")
	return &scheduledTaskService{publisher: publisher, httpClient: client, logger: logger}
}

func (s *scheduledTaskService) Trigger(ctx context.Context, req ScheduledTaskRequest) (string, error) {
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if req.Kind == "" {
		req.Kind = TaskKindHTTP
	}
	switch req.Kind {
	case TaskKindHTTP:
		if err := validateTaskURL(req.URL); err != nil {
			return "", err
		}
	case TaskKindScript:
		// 交给 dispatcher 记录为永久失败
	default:
		return "", apperr.New(apperr.Validation, "unknown task kind %q", req.Kind).WithDetail("field", "kind")
	}
	return s.publisher.Publish(ctx, EventScheduledHTTP, req)
}

func validateTaskURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.Validation, "url must be an absolute http(s) URL").WithDetail("field", "url")
	}
	return nil
}

func (s *scheduledTaskService) RegisterHandlers(r HandlerRegistry) {
	r.Register(EventScheduledHTTP, s.handle)
}

// handle 执行任务：5xx / 网络错误可重试，4xx 与脚本任务为永久失败
func (s *scheduledTaskService) handle(ctx context.Context, ev *jobs.Event) error {
	var task ScheduledTaskRequest
	if err := ev.Decode(&task); err != nil {
		return err
	}
	if task.Kind == TaskKindScript {
		return jobs.Permanent(fmt.Errorf("task %q: script tasks are not supported", task.Name))
	}
	if err := validateTaskURL(task.URL); err != nil {
		return jobs.Permanent(err)
	}
	method := strings.ToUpper(task.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > maxTaskTimeout {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := s.httpClient.R().SetContext(ctx).SetHeaders(task.Headers)
	if task.Body != "" {
		req.SetBody(task.Body)
	}
	start := time.Now()
	resp, err := req.Execute(method, task.URL)
	if err != nil {
		return fmt.Errorf("task %q: %w", task.Name, err)
	}
	s.logger.Info("Scheduled task executed",
		zap.String("tenant_id", tenantctx.String(ctx)),
		zap.String("task", task.Name),
		zap.String("method", method),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)
	switch {
	case resp.StatusCode() >= 500:
		return fmt.Errorf("task %q: upstream returned HTTP %d", task.Name, resp.StatusCode())
	case resp.StatusCode() >= 400:
		return jobs.Permanent(fmt.Errorf("task %q: upstream returned HTTP %d", task.Name, resp.StatusCode()))
	}
	return nil
}
