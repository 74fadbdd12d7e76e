// Package apperr 定义平台错误种类及其 HTTP 映射。
//
// 业务错误以 *Error 值返回并沿调用链传播；HTTP 层通过 HTTPStatus
// 把 Kind 映射为状态码。未分类错误一律视为 Internal。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误种类
type Kind string

const (
	Validation           Kind = "VALIDATION_ERROR"
	Authentication       Kind = "AUTHENTICATION_ERROR"
	Authorization        Kind = "AUTHORIZATION_ERROR"
	NotFound             Kind = "NOT_FOUND"
	Conflict             Kind = "CONFLICT"
	QuotaExceeded        Kind = "QUOTA_EXCEEDED"
	MissingTenantContext Kind = "MISSING_TENANT_CONTEXT"
	TransientAllocation  Kind = "TRANSIENT_ALLOCATION_ERROR"
	RateLimit            Kind = "RATE_LIMIT"
	Unavailable          Kind = "SERVICE_UNAVAILABLE"
	Internal             Kind = "INTERNAL_ERROR"
)

// 细分错误码（与 Kind 组合使用）
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeRuleNotFound       = "RULE_NOT_FOUND"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeInvalidInvitation  = "INVALID_INVITATION"
	CodeTenantInactive     = "TENANT_INACTIVE"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeReadOnly           = "READ_ONLY"
)

// Error 平台错误
type Error struct {
	Kind    Kind
	Code    string // 可选：更细的错误码，为空时使用 Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode 返回对外暴露的错误码
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// New 创建错误
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode 设置细分错误码
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail 附加详情
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// As 从错误链中取出 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误种类；nil 返回空串，未分类错误返回 Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is 判断错误链中是否存在指定种类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable 调用方是否可以重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TransientAllocation, Unavailable, RateLimit:
		return true
	}
	return false
}

// HTTPStatus 错误种类 -> HTTP 状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusUnprocessableEntity
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case QuotaExceeded:
		return http.StatusBadRequest
	case TransientAllocation, Unavailable:
		return http.StatusServiceUnavailable
	case RateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// InvalidCredentials 用户名或密码错误（不区分具体原因）
func InvalidCredentials() *Error {
	return New(Authentication, "invalid credentials").WithCode(CodeInvalidCredentials)
}

// RuleNotFound 编码规则不存在或未启用
func RuleNotFound(ruleCode string) *Error {
	return New(NotFound, "code rule %q not found or inactive", ruleCode).
		WithCode(CodeRuleNotFound).
		WithDetail("rule_code", ruleCode)
}

// ConfigurationError 编码规则配置错误
func ConfigurationError(format string, args ...any) *Error {
	return New(Validation, format, args...).WithCode(CodeConfiguration)
}

// ErrMissingTenantContext 租户上下文缺失
var ErrMissingTenantContext = &Error{Kind: MissingTenantContext, Message: "tenant context is required"}
