package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
)

// Result 成功响应
type Result[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data"`
	Timestamp string `json:"timestamp"`
}

// ErrorBody 错误详情
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResult 失败响应：{success:false, error:{code,message,details}, timestamp}
type ErrorResult struct {
	Success   bool      `json:"success"`
	Error     ErrorBody `json:"error"`
	Timestamp string    `json:"timestamp"`
}

const internalMessage = "internal server error"

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

func (s *Server) ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Result[any]{Success: true, Data: data, Timestamp: s.timestamp()})
}

// fail 输出错误响应；非业务错误只返回通用信息并记录日志
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.Internal, err, "")
	}
	status := apperr.HTTPStatus(e.Kind)
	body := ErrorBody{Code: e.ErrorCode(), Message: e.Message, Details: e.Details}
	if body.Message == "" {
		body.Message = string(e.Kind)
	}
	if status >= http.StatusInternalServerError {
		fields := append(requestFields(r), zap.String("kind", string(e.Kind)), zap.Error(err))
		if e.Kind == apperr.Internal || e.Kind == apperr.MissingTenantContext {
			s.logger.Error("Request failed", append(fields, zap.Stack("stack"))...)
			body = ErrorBody{Code: e.ErrorCode(), Message: internalMessage}
		} else {
			s.logger.Warn("Request failed", fields...)
		}
	}
	writeJSON(w, status, ErrorResult{Success: false, Error: body, Timestamp: s.timestamp()})
}
