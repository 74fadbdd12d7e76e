package domain

import "time"

// JobOutcome 单次执行结果
type JobOutcome string

const (
	JobSucceeded JobOutcome = "succeeded"
	JobRetrying  JobOutcome = "retrying"
	JobFailed    JobOutcome = "failed"    // 重试耗尽或永久失败
	JobRejected  JobOutcome = "rejected"  // 租户缺失/无效，未调用 handler
	JobCancelled JobOutcome = "cancelled" // 调度器关闭
)

// JobAttempt 任务执行记录（对应 job_attempts 表）
type JobAttempt struct {
	ID         int64      `db:"id"`
	EventID    string     `db:"event_id"`
	EventName  string     `db:"event_name"`
	TenantID   *int64     `db:"tenant_id"`
	Attempt    int        `db:"attempt"`
	Outcome    JobOutcome `db:"outcome"`
	DurationMS int64      `db:"duration_ms"`
	Error      string     `db:"error"`
	CreatedAt  time.Time  `db:"created_at"`
}
