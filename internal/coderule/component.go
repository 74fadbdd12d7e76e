// Package coderule 编码规则引擎：组件解析、渲染、计数周期判断。
//
// 本包不访问存储；计数分配由 repository 在事务内完成，
// 分配结果交回 Render 拼接成最终编码。
package coderule

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// ComponentType 组件类型
type ComponentType string

const (
	FixedText   ComponentType = "fixed_text"
	Date        ComponentType = "date"
	FormField   ComponentType = "form_field"
	AutoCounter ComponentType = "auto_counter"
)

// 兼容别名
var typeAliases = map[string]ComponentType{
	"literal":  FixedText,
	"text":     FixedText,
	"variable": FormField,
	"context":  FormField,
	"counter":  AutoCounter,
}

const (
	defaultDigits     = 4
	maxDigits         = 18
	defaultDateFormat = "YYYYMMDD"
)

// Component 单个编码组件
type Component struct {
	Type  ComponentType `json:"type"`
	Order int           `json:"order"`

	// fixed_text
	Text string `json:"text,omitempty"`

	// date
	Format string `json:"format,omitempty"`

	// form_field：从上下文取值，缺失时使用 Default
	Field   string `json:"field,omitempty"`
	Default string `json:"default,omitempty"`

	// auto_counter
	Digits       int              `json:"digits,omitempty"`
	InitialValue *int64           `json:"initial_value,omitempty"`
	ResetCycle   domain.ResetRule `json:"reset_cycle,omitempty"`
}

// Counter 计数器配置（规则级 seq_start/seq_step/reset_rule 与组件配置合并后的结果）
type Counter struct {
	Digits       int
	InitialValue int64
	Step         int64
	ResetCycle   domain.ResetRule
}

// Rule 解析后的规则
type Rule struct {
	Code       string
	Components []Component
	Counter    *Counter // 无计数组件时为 nil
}

// ParseComponents 解析并校验组件列表（按 order 稳定排序）
func ParseComponents(raw json.RawMessage) ([]Component, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, apperr.ConfigurationError("code rule has no components")
	}
	var comps []Component
	if err := json.Unmarshal(raw, &comps); err != nil {
		return nil, apperr.ConfigurationError("malformed components: %v", err)
	}
	if len(comps) == 0 {
		return nil, apperr.ConfigurationError("code rule has no components")
	}
	counters := 0
	for i := range comps {
		c := &comps[i]
		if alias, ok := typeAliases[strings.ToLower(string(c.Type))]; ok {
			c.Type = alias
		}
		switch c.Type {
		case FixedText:
		case Date:
			if c.Format == "" {
				c.Format = defaultDateFormat
			}
		case FormField:
			if c.Field == "" {
				return nil, apperr.ConfigurationError("form_field component #%d has no field", i)
			}
		case AutoCounter:
			counters++
			if c.Digits < 0 || c.Digits > maxDigits {
				return nil, apperr.ConfigurationError("auto_counter digits must be within 0..%d", maxDigits)
			}
			if c.ResetCycle != "" && !ValidResetRule(c.ResetCycle) {
				return nil, apperr.ConfigurationError("unknown reset_cycle %q", c.ResetCycle)
			}
		default:
			return nil, apperr.ConfigurationError("unknown component type %q", c.Type)
		}
	}
	if counters > 1 {
		return nil, apperr.ConfigurationError("code rule may contain at most one auto_counter component")
	}
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].Order < comps[j].Order })
	return comps, nil
}

// Compile 把存储的规则编译为可渲染的 Rule
func Compile(r *domain.CodeRule) (*Rule, error) {
	comps, err := ParseComponents(r.Components)
	if err != nil {
		return nil, err
	}
	rule := &Rule{Code: r.Code, Components: comps}
	for _, c := range comps {
		if c.Type != AutoCounter {
			continue
		}
		step := r.SeqStep
		if step <= 0 {
			step = 1
		}
		cnt := &Counter{
			Digits:       c.Digits,
			InitialValue: r.SeqStart,
			Step:         step,
			ResetCycle:   r.ResetRule,
		}
		if cnt.Digits == 0 {
			cnt.Digits = defaultDigits
		}
		if c.InitialValue != nil {
			cnt.InitialValue = *c.InitialValue
		}
		if c.ResetCycle != "" {
			cnt.ResetCycle = c.ResetCycle
		}
		if cnt.ResetCycle == "" {
			cnt.ResetCycle = domain.ResetNever
		}
		rule.Counter = cnt
	}
	return rule, nil
}

// ValidResetRule 重置周期是否合法
func ValidResetRule(r domain.ResetRule) bool {
	switch r {
	case domain.ResetNever, domain.ResetDaily, domain.ResetMonthly, domain.ResetYearly:
		return true
	}
	return false
}
