package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

const (
	maxSerialCount = 1000
	maxScopeKeyLen = 255
)

var ruleCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,49}$`)

// CodeRuleService 编码规则：生成 / 预览 / 管理（当前租户）
type CodeRuleService interface {
	Generate(ctx context.Context, req GenerateCodeRequest) (*GenerateCodeResponse, error)
	TestGenerate(ctx context.Context, req GenerateCodeRequest) (*GenerateCodeResponse, error)
	GenerateSerials(ctx context.Context, req GenerateSerialsRequest) (*GenerateSerialsResponse, error)

	List(ctx context.Context) ([]*domain.CodeRule, error)
	Get(ctx context.Context, uuid string) (*domain.CodeRule, error)
	Create(ctx context.Context, req CodeRuleRequest) (*domain.CodeRule, error)
	Update(ctx context.Context, uuid string, req CodeRuleRequest) (*domain.CodeRule, error)
	Delete(ctx context.Context, uuid string) error
}

type codeRuleService struct {
	store   *repository.Store
	clock   clock.Clock
	loc     *time.Location
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCodeRuleService loc 决定"今天"的日历（USE_TZ=false 时为 UTC）
func NewCodeRuleService(store *repository.Store, c clock.Clock, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) CodeRuleService {
	if c == nil {
		c = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &codeRuleService{store: store, clock: c, loc: loc, metrics: m, logger: logger}
}

// GenerateCodeRequest 生成请求
type GenerateCodeRequest struct {
	RuleCode string         `json:"rule_code"`
	ScopeKey string         `json:"scope_key,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// GenerateCodeResponse 生成结果
type GenerateCodeResponse struct {
	Code     string `json:"code"`
	RuleCode string `json:"rule_code"`
	Counter  *int64 `json:"counter,omitempty"`
}

// GenerateSerialsRequest 批量生成序列号
type GenerateSerialsRequest struct {
	RuleCode string         `json:"rule_code"`
	ScopeKey string         `json:"scope_key,omitempty"`
	Count    int            `json:"count"`
	Context  map[string]any `json:"context,omitempty"`
}

// GenerateSerialsResponse 批量结果
type GenerateSerialsResponse struct {
	Codes    []string `json:"codes"`
	RuleCode string   `json:"rule_code"`
}

// CodeRuleRequest 创建 / 更新规则
type CodeRuleRequest struct {
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Components  json.RawMessage  `json:"components"`
	SeqStart    *int64           `json:"seq_start,omitempty"`
	SeqStep     *int64           `json:"seq_step,omitempty"`
	ResetRule   domain.ResetRule `json:"reset_rule,omitempty"`
	IsActive    *bool            `json:"is_active,omitempty"`
}

func stringVars(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case float64:
			// JSON 数字：整数不带小数点
			if x == float64(int64(x)) {
				out[k] = fmt.Sprintf("%d", int64(x))
			} else {
				out[k] = fmt.Sprint(x)
			}
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

// load 取启用的规则并编译
func (s *codeRuleService) load(ctx context.Context, ruleCode string) (*domain.CodeRule, *coderule.Rule, error) {
	ruleCode = strings.TrimSpace(ruleCode)
	if ruleCode == "" {
		return nil, nil, apperr.New(apperr.Validation, "rule_code is required").WithDetail("field", "rule_code")
	}
	rule, err := s.store.CodeRules.GetByCode(ctx, ruleCode)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil, apperr.RuleNotFound(ruleCode)
		}
		return nil, nil, err
	}
	if !rule.IsActive {
		return nil, nil, apperr.RuleNotFound(ruleCode)
	}
	compiled, err := coderule.Compile(rule)
	if err != nil {
		return nil, nil, err
	}
	return rule, compiled, nil
}

func (s *codeRuleService) today() (time.Time, time.Time) {
	now := s.clock.Now().In(s.loc)
	return now, coderule.Truncate(now, s.loc)
}

func validScope(scopeKey string) error {
	if len(scopeKey) > maxScopeKeyLen {
		return apperr.New(apperr.Validation, "scope_key is too long").WithDetail("field", "scope_key")
	}
	return nil
}

func (s *codeRuleService) allocate(ctx context.Context, ruleCode, scopeKey string, vars map[string]any, n int) ([]string, []int64, error) {
	if err := validScope(scopeKey); err != nil {
		return nil, nil, err
	}
	rule, compiled, err := s.load(ctx, ruleCode)
	if err != nil {
		s.metrics.CodeAllocations.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, nil, err
	}
	now, today := s.today()
	sv := stringVars(vars)

	if compiled.Counter == nil {
		// 无计数组件：只渲染，不改变状态
		codes := make([]string, n)
		for i := range codes {
			codes[i] = compiled.Render(now, 0, sv)
		}
		s.metrics.CodeAllocations.WithLabelValues("rendered").Inc()
		return codes, nil, nil
	}

	values, err := s.store.Sequences.Allocate(ctx, rule.ID, scopeKey, compiled.Counter, today, n)
	if err != nil {
		s.metrics.CodeAllocations.WithLabelValues(string(apperr.KindOf(err))).Inc()
		s.logger.Warn("Code allocation failed",
			zap.String("tenant_id", tenantctx.String(ctx)),
			zap.String("rule_code", rule.Code),
			zap.String("scope_key", scopeKey),
			zap.Error(err),
		)
		return nil, nil, err
	}
	codes := make([]string, len(values))
	for i, v := range values {
		codes[i] = compiled.Render(now, v, sv)
	}
	s.metrics.CodeAllocations.WithLabelValues("allocated").Inc()
	return codes, values, nil
}

// Generate 分配下一个编码
func (s *codeRuleService) Generate(ctx context.Context, req GenerateCodeRequest) (*GenerateCodeResponse, error) {
	codes, values, err := s.allocate(ctx, req.RuleCode, req.ScopeKey, req.Context, 1)
	if err != nil {
		return nil, err
	}
	resp := &GenerateCodeResponse{Code: codes[0], RuleCode: strings.TrimSpace(req.RuleCode)}
	if len(values) > 0 {
		resp.Counter = &values[0]
	}
	return resp, nil
}

// GenerateSerials 一次分配 count 个连续编码
func (s *codeRuleService) GenerateSerials(ctx context.Context, req GenerateSerialsRequest) (*GenerateSerialsResponse, error) {
	if req.Count <= 0 || req.Count > maxSerialCount {
		return nil, apperr.New(apperr.Validation, "count must be between 1 and %d", maxSerialCount).WithDetail("field", "count")
	}
	codes, _, err := s.allocate(ctx, req.RuleCode, req.ScopeKey, req.Context, req.Count)
	if err != nil {
		return nil, err
	}
	return &GenerateSerialsResponse{Codes: codes, RuleCode: strings.TrimSpace(req.RuleCode)}, nil
}

// TestGenerate 预览下一个编码，不消耗序号
func (s *codeRuleService) TestGenerate(ctx context.Context, req GenerateCodeRequest) (*GenerateCodeResponse, error) {
	if err := validScope(req.ScopeKey); err != nil {
		return nil, err
	}
	rule, compiled, err := s.load(ctx, req.RuleCode)
	if err != nil {
		return nil, err
	}
	now, today := s.today()
	resp := &GenerateCodeResponse{RuleCode: rule.Code}
	var next int64
	if compiled.Counter != nil {
		next, err = s.store.Sequences.Peek(ctx, rule.ID, req.ScopeKey, compiled.Counter, today)
		if err != nil {
			return nil, err
		}
		resp.Counter = &next
	}
	resp.Code = compiled.Render(now, next, stringVars(req.Context))
	return resp, nil
}

func (s *codeRuleService) List(ctx context.Context) ([]*domain.CodeRule, error) {
	return s.store.CodeRules.List(ctx)
}

func (s *codeRuleService) Get(ctx context.Context, uuid string) (*domain.CodeRule, error) {
	return s.store.CodeRules.GetByUUID(ctx, uuid)
}

// apply 校验请求并写入 rule
func applyRuleRequest(rule *domain.CodeRule, req CodeRuleRequest) error {
	if name := strings.TrimSpace(req.Name); name != "" {
		rule.Name = name
	}
	if rule.Name == "" {
		return apperr.New(apperr.Validation, "name is required").WithDetail("field", "name")
	}
	rule.Description = strings.TrimSpace(req.Description)
	if len(req.Components) > 0 {
		rule.Components = req.Components
	}
	if req.SeqStart != nil {
		rule.SeqStart = *req.SeqStart
	}
	if req.SeqStep != nil {
		if *req.SeqStep <= 0 {
			return apperr.New(apperr.Validation, "seq_step must be positive").WithDetail("field", "seq_step")
		}
		rule.SeqStep = *req.SeqStep
	}
	if req.ResetRule != "" {
		rule.ResetRule = req.ResetRule
	}
	if !coderule.ValidResetRule(rule.ResetRule) {
		return apperr.New(apperr.Validation, "invalid reset_rule %q", rule.ResetRule).WithDetail("field", "reset_rule")
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	// 组件合法性（至多一个计数组件等）
	if _, err := coderule.Compile(rule); err != nil {
		return err
	}
	return nil
}

func (s *codeRuleService) Create(ctx context.Context, req CodeRuleRequest) (*domain.CodeRule, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if !ruleCodePattern.MatchString(code) {
		return nil, apperr.New(apperr.Validation, "code must match %s", ruleCodePattern.String()).WithDetail("field", "code")
	}
	rule := &domain.CodeRule{
		Code:      code,
		SeqStart:  1,
		SeqStep:   1,
		ResetRule: domain.ResetNever,
		IsActive:  true,
	}
	if err := applyRuleRequest(rule, req); err != nil {
		return nil, err
	}
	if err := s.store.CodeRules.Create(ctx, rule); err != nil {
		return nil, err
	}
	s.logger.Info("Code rule created", zap.Int64("tenant_id", rule.TenantID), zap.String("rule_code", rule.Code))
	return rule, nil
}

// Update 规则编码不可修改
func (s *codeRuleService) Update(ctx context.Context, uuid string, req CodeRuleRequest) (*domain.CodeRule, error) {
	rule, err := s.store.CodeRules.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if req.Code != "" && !strings.EqualFold(strings.TrimSpace(req.Code), rule.Code) {
		return nil, apperr.New(apperr.Validation, "code cannot be changed").WithDetail("field", "code")
	}
	if err := applyRuleRequest(rule, req); err != nil {
		return nil, err
	}
	if err := s.store.CodeRules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete 软删除；系统规则不可删除，序号记录保留
func (s *codeRuleService) Delete(ctx context.Context, uuid string) error {
	if err := s.store.CodeRules.SoftDelete(ctx, uuid); err != nil {
		return err
	}
	s.logger.Info("Code rule deleted", zap.String("tenant_id", tenantctx.String(ctx)), zap.String("rule_uuid", uuid))
	return nil
}
