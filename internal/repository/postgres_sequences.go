package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

const (
	defaultAllocRetries = 5
	dateLayout          = "2006-01-02"
)

// PostgresSequencesRepository 编码序号仓库（Postgres）。
//
// 分配在一个短事务内完成：
//
//	INSERT ... ON CONFLICT DO NOTHING   确保序号行存在
//	SELECT ... FOR UPDATE               行锁，同一键上的分配串行
//	UPDATE                              写回 current_seq / reset_date
//
// 死锁 / 序列化失败按 retries 重试，耗尽后返回 TransientAllocation。
type PostgresSequencesRepository struct {
	pgBase
	retries int
}

var _ SequencesRepository = (*PostgresSequencesRepository)(nil)

// NewPostgresSequencesRepository 创建序号仓库
func NewPostgresSequencesRepository(db *sql.DB, logger *zap.Logger, retries int) *PostgresSequencesRepository {
	if retries <= 0 {
		retries = defaultAllocRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSequencesRepository{pgBase: pgBase{db: db, logger: logger}, retries: retries}
}

// Allocate 分配 n 个连续值
func (r *PostgresSequencesRepository) Allocate(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time, n int) ([]int64, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, apperr.New(apperr.Validation, "allocation count must be positive")
	}

	var values []int64
	for attempt := 1; ; attempt++ {
		err = r.withTx(ctx, func(q querier) error {
			var e error
			values, e = r.allocateTx(ctx, q, tid, ruleID, scopeKey, counter, today, n)
			return e
		})
		if err == nil {
			return values, nil
		}
		if !isRetryableTx(err) || ctx.Err() != nil {
			return nil, mapError(err, "code sequence")
		}
		if attempt >= r.retries {
			r.logger.Warn("Code sequence allocation contention exhausted retries",
				zap.Int64("tenant_id", tid),
				zap.Int64("rule_id", ruleID),
				zap.String("scope_key", scopeKey),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return nil, apperr.Wrap(apperr.TransientAllocation, err, "code sequence allocation contention")
		}
		// 外层已有事务时无法单独重试
		if _, inTx := ctx.Value(txKey{}).(*sql.Tx); inTx {
			return nil, apperr.Wrap(apperr.TransientAllocation, err, "code sequence allocation contention")
		}
	}
}

func (r *PostgresSequencesRepository) allocateTx(ctx context.Context, q querier, tid, ruleID int64, scopeKey string,
	counter *coderule.Counter, today time.Time, n int) ([]int64, error) {
	base := counter.InitialValue - counter.Step
	if _, err := q.ExecContext(ctx, `
		INSERT INTO code_sequences (rule_id, tenant_id, scope_key, current_seq, reset_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, rule_id, scope_key) DO NOTHING`,
		ruleID, tid, scopeKey, base, today.Format(dateLayout)); err != nil {
		return nil, err
	}

	var current int64
	var resetDate time.Time
	if err := q.QueryRowContext(ctx, `
		SELECT current_seq, reset_date FROM code_sequences
		WHERE tenant_id = $1 AND rule_id = $2 AND scope_key = $3
		FOR UPDATE`, tid, ruleID, scopeKey).Scan(&current, &resetDate); err != nil {
		return nil, err
	}

	next, nextReset, values := counter.NextValues(current, dateOnly(resetDate, today), true, today, n)
	if _, err := q.ExecContext(ctx, `
		UPDATE code_sequences SET current_seq = $4, reset_date = $5, updated_at = now()
		WHERE tenant_id = $1 AND rule_id = $2 AND scope_key = $3`,
		tid, ruleID, scopeKey, next, nextReset.Format(dateLayout)); err != nil {
		return nil, err
	}
	return values, nil
}

// Peek 只读预览
func (r *PostgresSequencesRepository) Peek(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time) (int64, error) {
	seq, err := r.Get(ctx, ruleID, scopeKey)
	if apperr.Is(err, apperr.NotFound) {
		return counter.Peek(0, today, false, today), nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Peek(seq.CurrentSeq, dateOnly(seq.ResetDate, today), true, today), nil
}

// Get 读取序号行
func (r *PostgresSequencesRepository) Get(ctx context.Context, ruleID int64, scopeKey string) (*domain.CodeSequence, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	seq := domain.CodeSequence{RuleID: ruleID, TenantID: tid, ScopeKey: scopeKey}
	err = r.q(ctx).QueryRowContext(ctx, `
		SELECT current_seq, reset_date, updated_at FROM code_sequences
		WHERE tenant_id = $1 AND rule_id = $2 AND scope_key = $3`,
		tid, ruleID, scopeKey).Scan(&seq.CurrentSeq, &seq.ResetDate, &seq.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "code sequence")
	}
	return &seq, nil
}

// dateOnly DATE 列按 today 的时区解释（驱动返回 UTC 零点）
func dateOnly(d time.Time, today time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, today.Location())
}
