package domain

// Plan 套餐
type Plan string

const (
	PlanTrial      Plan = "trial"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "professional"
	PlanEnterprise Plan = "enterprise"
)

// Package 套餐配置（按 plan 静态定义）
type Package struct {
	Plan         Plan            `json:"plan"`
	Name         string          `json:"name"`
	MaxUsers     int             `json:"max_users"`
	MaxStorageMB int             `json:"max_storage_mb"`
	AllowProApps bool            `json:"allow_pro_apps"`
	Features     map[string]bool `json:"features"`
}

// Packages 静态套餐表
var Packages = map[Plan]Package{
	PlanTrial: {
		Plan: PlanTrial, Name: "体验版", MaxUsers: 10, MaxStorageMB: 1024,
		Features: map[string]bool{"code_rules": true, "messages": true},
	},
	PlanBasic: {
		Plan: PlanBasic, Name: "基础版", MaxUsers: 50, MaxStorageMB: 5120,
		Features: map[string]bool{"code_rules": true, "messages": true, "sms": true},
	},
	PlanPro: {
		Plan: PlanPro, Name: "专业版", MaxUsers: 200, MaxStorageMB: 51200, AllowProApps: true,
		Features: map[string]bool{"code_rules": true, "messages": true, "sms": true, "push": true, "scheduled_tasks": true},
	},
	PlanEnterprise: {
		Plan: PlanEnterprise, Name: "企业版", MaxUsers: 1000, MaxStorageMB: 512000, AllowProApps: true,
		Features: map[string]bool{"code_rules": true, "messages": true, "sms": true, "push": true, "scheduled_tasks": true, "email": true},
	},
}

// PackageFor 查找套餐，未知 plan 回退为 basic
func PackageFor(plan Plan) Package {
	if p, ok := Packages[plan]; ok {
		return p
	}
	return Packages[PlanBasic]
}

// ValidPlan plan 是否合法
func ValidPlan(plan Plan) bool {
	_, ok := Packages[plan]
	return ok
}
