package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/database"
)

// querier *sql.DB 与 *sql.Tx 的公共子集
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// pgBase Postgres 仓库公共部分
type pgBase struct {
	db     *sql.DB
	logger *zap.Logger
}

// q 返回 ctx 中的事务，没有时返回连接池
func (b pgBase) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return b.db
}

// withTx 已在事务中时复用，否则开启新事务
func (b pgBase) withTx(ctx context.Context, fn func(q querier) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(tx)
	}
	return database.WithTx(ctx, b.db, nil, func(tx *sql.Tx) error { return fn(tx) })
}

// PostgresTx 跨仓库事务
type PostgresTx struct {
	db *sql.DB
}

var _ TxRunner = (*PostgresTx)(nil)

// InTx 开启事务并放入 ctx；已在事务中时直接执行
func (t *PostgresTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	return database.WithTx(ctx, t.db, nil, func(tx *sql.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// NewPostgresStore 创建全部 Postgres 仓库
func NewPostgresStore(db *sql.DB, logger *zap.Logger, allocRetries int) *Store {
	base := pgBase{db: db, logger: logger}
	return &Store{
		Tenants:        &PostgresTenantsRepository{pgBase: base},
		Users:          &PostgresUsersRepository{pgBase: base},
		PlatformAdmins: &PostgresPlatformAdminsRepository{pgBase: base},
		Invitations:    &PostgresInvitationsRepository{pgBase: base},
		CodeRules:      &PostgresCodeRulesRepository{pgBase: base},
		Sequences:      NewPostgresSequencesRepository(db, logger, allocRetries),
		ActivityLogs:   &PostgresActivityLogsRepository{pgBase: base},
		Messages:       &PostgresMessageLogsRepository{pgBase: base},
		Templates:      &PostgresMessageTemplatesRepository{pgBase: base},
		JobAttempts:    &PostgresJobAttemptsRepository{pgBase: base},
		Tx:             &PostgresTx{db: db},
	}
}

// scope 租户作用域 + 软删除的 WHERE 构造器
type scope struct {
	where []string
	args  []any
}

// tenantScope 从 ctx 取租户过滤条件；平台管理员显式跳过时不加过滤
func tenantScope(ctx context.Context, column string) (*scope, error) {
	tid, filter, err := tenantctx.Scope(ctx)
	if err != nil {
		return nil, err
	}
	s := &scope{}
	if filter {
		s.eq(column, tid)
	}
	return s, nil
}

// requireTenant 写操作要求具体租户（跳过过滤也不允许）
func requireTenant(ctx context.Context) (int64, error) {
	return tenantctx.Require(ctx)
}

func (s *scope) eq(column string, v any) *scope {
	s.args = append(s.args, v)
	s.where = append(s.where, fmt.Sprintf("%s = $%d", column, len(s.args)))
	return s
}

func (s *scope) live(column string) *scope {
	s.where = append(s.where, column+" IS NULL")
	return s
}

func (s *scope) cond(c string) *scope {
	s.where = append(s.where, c)
	return s
}

// arg 追加参数，返回占位符
func (s *scope) arg(v any) string {
	s.args = append(s.args, v)
	return fmt.Sprintf("$%d", len(s.args))
}

func (s *scope) sql() string {
	if len(s.where) == 0 {
		return "TRUE"
	}
	return strings.Join(s.where, " AND ")
}

// mapError 驱动错误 -> 平台错误
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, err, what+" not found")
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperr.Wrap(apperr.Conflict, err, what+" already exists").WithDetail("constraint", pqErr.Constraint)
		case "23503", "23514", "22P02":
			return apperr.Wrap(apperr.Validation, err, "invalid "+what)
		case "40001", "40P01", "55P03":
			return apperr.Wrap(apperr.TransientAllocation, err, what+": concurrent update")
		case "57014":
			return apperr.Wrap(apperr.Unavailable, err, what+": query cancelled")
		}
		if strings.HasPrefix(string(pqErr.Code), "08") {
			return apperr.Wrap(apperr.Unavailable, err, "database unavailable")
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("failed to access %s: %w", what, err)
}

// isRetryableTx 序列化失败 / 死锁 / 锁等待超时
func isRetryableTx(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func scopeOf(ctx context.Context) (int64, bool, error) {
	return tenantctx.Scope(ctx)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
