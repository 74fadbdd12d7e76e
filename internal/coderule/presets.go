package coderule

import (
	"encoding/json"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// Preset 租户初始化时写入的系统规则
type Preset struct {
	Code        string
	Name        string
	Description string
	Prefix      string
	DateFormat  string // 为空表示不含日期组件
	Digits      int
	ResetRule   domain.ResetRule
}

// Presets 系统预置规则（租户审核通过时初始化）
var Presets = []Preset{
	{Code: "WORK_ORDER_CODE", Name: "工单编码", Description: "生产工单编号", Prefix: "GD", DateFormat: "YYYYMMDD", Digits: 4, ResetRule: domain.ResetDaily},
	{Code: "PURCHASE_ORDER_CODE", Name: "采购订单编码", Description: "采购订单编号", Prefix: "CG", DateFormat: "YYYYMMDD", Digits: 4, ResetRule: domain.ResetDaily},
	{Code: "SALES_ORDER_CODE", Name: "销售订单编码", Description: "销售订单编号", Prefix: "XS", DateFormat: "YYYYMMDD", Digits: 4, ResetRule: domain.ResetDaily},
	{Code: "MATERIAL_CODE", Name: "物料编码", Description: "物料主数据编号", Prefix: "WL", Digits: 6, ResetRule: domain.ResetNever},
	{Code: "BATCH_NO", Name: "批次号", Description: "物料批次号", Prefix: "PC", DateFormat: "YYMMDD", Digits: 3, ResetRule: domain.ResetDaily},
	{Code: "SERIAL_NO", Name: "序列号", Description: "按物料分区的序列号", Prefix: "SN", DateFormat: "YYYY", Digits: 6, ResetRule: domain.ResetYearly},
}

// Components 生成预置规则的组件 JSON
func (p Preset) Components() json.RawMessage {
	comps := []Component{{Type: FixedText, Order: 0, Text: p.Prefix}}
	if p.DateFormat != "" {
		comps = append(comps, Component{Type: Date, Order: 1, Format: p.DateFormat})
	}
	comps = append(comps, Component{Type: AutoCounter, Order: 2, Digits: p.Digits, ResetCycle: p.ResetRule})
	b, _ := json.Marshal(comps)
	return b
}

// Rule 预置规则 -> 领域模型（tenant 由调用方设置）
func (p Preset) Rule(tenantID int64) *domain.CodeRule {
	return &domain.CodeRule{
		TenantID:    tenantID,
		Code:        p.Code,
		Name:        p.Name,
		Description: p.Description,
		Components:  p.Components(),
		SeqStart:    1,
		SeqStep:     1,
		ResetRule:   p.ResetRule,
		IsActive:    true,
		IsSystem:    true,
	}
}
