package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

// TenantLookup 消费时校验租户
type TenantLookup interface {
	GetTenant(ctx context.Context, id int64) (*domain.Tenant, error)
}

// Config 调度参数
type Config struct {
	MaxRetries     int // 首次执行之外的最大重试次数
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Workers        int
}

// Dispatcher 事件调度器
type Dispatcher struct {
	cfg      Config
	queue    Queue
	tenants  TenantLookup
	attempts repository.JobAttemptsRepository
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher 创建调度器
func NewDispatcher(cfg Config, queue Queue, tenants TenantLookup, attempts repository.JobAttemptsRepository,
	c clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if c == nil {
		c = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		tenants:  tenants,
		attempts: attempts,
		clock:    c,
		metrics:  m,
		logger:   logger,
		handlers: map[string]Handler{},
	}
}

// Register 注册事件处理函数（启动前调用）
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[name]; dup {
		panic("jobs: duplicate handler for " + name)
	}
	d.handlers[name] = h
}

// Events 已注册的事件名
func (d *Dispatcher) Events() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Publish 发布事件，租户取自 ctx。
// ctx 带 outbox 时事件先缓冲，请求成功后才入队。
func (d *Dispatcher) Publish(ctx context.Context, name string, data any) (string, error) {
	ev := &Event{
		ID:          uuid.NewString(),
		Name:        name,
		PublishedAt: d.clock.Now(),
	}
	if tid, ok := tenantctx.FromContext(ctx); ok {
		ev.TenantID = &tid
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return "", apperr.Wrap(apperr.Validation, err, "event data is not serializable")
		}
		ev.Data = b
	}
	if ob := outboxFrom(ctx); ob != nil {
		ob.add(ev)
		return ev.ID, nil
	}
	return ev.ID, d.enqueue(ctx, ev)
}

func (d *Dispatcher) enqueue(ctx context.Context, ev *Event) error {
	if err := d.queue.Enqueue(ctx, ev); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "failed to enqueue event")
	}
	d.metrics.JobsPublished.WithLabelValues(ev.Name).Inc()
	d.logger.Debug("Event published",
		zap.String("event_id", ev.ID),
		zap.String("event", ev.Name),
		zap.String("tenant_id", tenantString(ev.TenantID)),
	)
	return nil
}

// Run 启动 worker，阻塞直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context) error {
	names := d.Events()
	d.logger.Info("Job dispatcher started",
		zap.Strings("events", names),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_retries", d.cfg.MaxRetries),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		consumer := "worker-" + strconv.Itoa(i)
		g.Go(func() error {
			return d.queue.Consume(gctx, consumer, names, d.Process)
		})
	}
	err := g.Wait()
	d.logger.Info("Job dispatcher stopped")
	return err
}

// Process 处理单个事件：校验租户、安装租户上下文、按退避重试
func (d *Dispatcher) Process(ctx context.Context, ev *Event) {
	// worker 的 context 不携带任何租户
	ctx = tenantctx.WithoutTenant(ctx)

	h, ok := d.handler(ev.Name)
	if !ok {
		d.record(ctx, ev, 0, domain.JobRejected, 0, fmt.Errorf("no handler registered for %s", ev.Name))
		return
	}
	tid, err := d.validateTenant(ctx, ev)
	if err != nil {
		d.record(ctx, ev, 0, domain.JobRejected, 0, err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Clock = d.clock
	b.Reset()

	for attempt := 1; ; attempt++ {
		start := d.clock.Now()
		err := d.invoke(ctx, h, ev, tid)
		dur := d.clock.Since(start)

		switch {
		case err == nil:
			d.record(ctx, ev, attempt, domain.JobSucceeded, dur, nil)
			return
		case ctx.Err() != nil:
			d.record(ctx, ev, attempt, domain.JobCancelled, dur, err)
			return
		case IsPermanent(err) || attempt > d.cfg.MaxRetries:
			d.record(ctx, ev, attempt, domain.JobFailed, dur, err)
			return
		}
		d.record(ctx, ev, attempt, domain.JobRetrying, dur, err)

		timer := d.clock.Timer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			d.record(ctx, ev, attempt, domain.JobCancelled, 0, ctx.Err())
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) validateTenant(ctx context.Context, ev *Event) (int64, error) {
	if ev.TenantID == nil {
		return 0, errors.New("event has no tenant_id")
	}
	t, err := d.tenants.GetTenant(ctx, *ev.TenantID)
	if err != nil {
		return 0, fmt.Errorf("tenant %d: %w", *ev.TenantID, err)
	}
	if !t.IsActive() {
		return 0, fmt.Errorf("tenant %d is %s", t.ID, t.Status)
	}
	return t.ID, nil
}

// invoke 在事件租户下调用 handler；panic 视为可重试失败
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev *Event, tid int64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Job handler panicked",
				zap.String("event_id", ev.ID),
				zap.String("event", ev.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return tenantctx.Run(ctx, tid, func(ctx context.Context) error {
		return h(ctx, ev)
	})
}

func (d *Dispatcher) record(ctx context.Context, ev *Event, attempt int, outcome domain.JobOutcome, dur time.Duration, err error) {
	a := &domain.JobAttempt{
		EventID:    ev.ID,
		EventName:  ev.Name,
		TenantID:   ev.TenantID,
		Attempt:    attempt,
		Outcome:    outcome,
		DurationMS: dur.Milliseconds(),
	}
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("event", ev.Name),
		zap.String("tenant_id", tenantString(ev.TenantID)),
		zap.Int("attempt", attempt),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", dur),
	}
	if err != nil {
		a.Error = truncate(err.Error(), 500)
		fields = append(fields, zap.Error(err))
	}
	switch outcome {
	case domain.JobSucceeded:
		d.logger.Info("Job attempt", fields...)
	case domain.JobRetrying, domain.JobCancelled:
		d.logger.Warn("Job attempt", fields...)
	default:
		d.logger.Error("Job attempt", fields...)
	}
	d.metrics.JobAttempts.WithLabelValues(ev.Name, string(outcome)).Inc()
	if attempt > 0 {
		d.metrics.JobDuration.WithLabelValues(ev.Name).Observe(dur.Seconds())
	}

	if d.attempts == nil {
		return
	}
	// 记录不受 worker 取消影响
	if rerr := d.attempts.Record(context.WithoutCancel(ctx), a); rerr != nil {
		d.logger.Warn("Failed to record job attempt", zap.String("event_id", ev.ID), zap.Error(rerr))
	}
}

func tenantString(tid *int64) string {
	if tid == nil {
		return ""
	}
	return strconv.FormatInt(*tid, 10)
}

// truncate 截断到 n 字节以内，落在 UTF-8 字符边界
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
