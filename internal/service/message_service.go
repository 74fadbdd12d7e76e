package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/notify"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

// 事件名
const (
	EventMessageSend     = "message/send"
	EventMaterialUpdated = "material/updated"
	EventScheduledHTTP   = "scheduled-task/http"
)

// Publisher 事件发布（jobs.Dispatcher 满足）
type Publisher interface {
	Publish(ctx context.Context, name string, data any) (string, error)
}

// HandlerRegistry 事件处理注册（jobs.Dispatcher 满足）
type HandlerRegistry interface {
	Register(name string, h jobs.Handler)
}

// MessageService 消息发送与站内信
type MessageService interface {
	// Send 创建 pending 记录并发布 message/send 事件
	Send(ctx context.Context, req SendMessageRequest) (*domain.MessageLog, error)
	Get(ctx context.Context, uuid string) (*domain.MessageLog, error)
	Inbox(ctx context.Context, recipient string, unreadOnly bool) ([]*domain.MessageLog, error)
	MarkRead(ctx context.Context, uuid, recipient string) error

	ListTemplates(ctx context.Context) ([]*domain.MessageTemplate, error)
	UpsertTemplate(ctx context.Context, req TemplateRequest) (*domain.MessageTemplate, error)

	// PublishMaterialUpdated 物料变更通知（由订阅者站内信扇出）
	PublishMaterialUpdated(ctx context.Context, ev MaterialUpdatedEvent) (string, error)

	// RegisterHandlers 注册 message/send 与 material/updated 处理函数
	RegisterHandlers(r HandlerRegistry)
}

type messageService struct {
	store     *repository.Store
	publisher Publisher
	drivers   *notify.Registry
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewMessageService 创建 MessageService
func NewMessageService(store *repository.Store, publisher Publisher, drivers *notify.Registry,
	c clock.Clock, m *metrics.Metrics, logger *zap.Logger) MessageService {
	if c == nil {
		c = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &messageService{store: store, publisher: publisher, drivers: drivers, clock: c, metrics: m, logger: logger}
}

// SendMessageRequest 发送请求
type SendMessageRequest struct {
	Type         domain.MessageType `json:"type"`
	Recipient    string             `json:"recipient"`
	TemplateCode string             `json:"template_code,omitempty"`
	Subject      string             `json:"subject,omitempty"`
	Content      string             `json:"content,omitempty"`
	Variables    map[string]any     `json:"variables,omitempty"`
}

// TemplateRequest 模板创建 / 更新
type TemplateRequest struct {
	Code     string             `json:"code"`
	Name     string             `json:"name"`
	Type     domain.MessageType `json:"type"`
	Subject  string             `json:"subject,omitempty"`
	Content  string             `json:"content"`
	IsActive *bool              `json:"is_active,omitempty"`
}

// MaterialUpdatedEvent 物料变更事件数据
type MaterialUpdatedEvent struct {
	MaterialID    int64    `json:"material_id"`
	MaterialCode  string   `json:"material_code,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
	Subscribers   []string `json:"subscribers"`
}

type messageSendData struct {
	MessageUUID string `json:"message_uuid"`
}

func (s *messageService) Send(ctx context.Context, req SendMessageRequest) (*domain.MessageLog, error) {
	if _, err := tenantctx.Require(ctx); err != nil {
		return nil, err
	}
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.TemplateCode = strings.TrimSpace(req.TemplateCode)
	if !domain.ValidMessageType(req.Type) {
		return nil, apperr.New(apperr.Validation, "invalid message type %q", req.Type).WithDetail("field", "type")
	}
	if req.Recipient == "" {
		return nil, apperr.New(apperr.Validation, "recipient is required").WithDetail("field", "recipient")
	}
	if req.TemplateCode == "" && strings.TrimSpace(req.Content) == "" {
		return nil, apperr.New(apperr.Validation, "content or template_code is required").WithDetail("field", "content")
	}
	vars, err := json.Marshal(stringVars(req.Variables))
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid variables")
	}

	msg := &domain.MessageLog{
		Type:      req.Type,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Content:   req.Content,
		Variables: vars,
		Status:    domain.MessagePending,
	}
	if req.TemplateCode != "" {
		msg.TemplateCode = sql.NullString{String: req.TemplateCode, Valid: true}
	}
	if err := s.store.Messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if _, err := s.publisher.Publish(ctx, EventMessageSend, messageSendData{MessageUUID: msg.UUID}); err != nil {
		return nil, err
	}
	s.metrics.Messages.WithLabelValues(string(msg.Type), string(domain.MessagePending)).Inc()
	return msg, nil
}

func (s *messageService) Get(ctx context.Context, uuid string) (*domain.MessageLog, error) {
	return s.store.Messages.GetByUUID(ctx, uuid)
}

func (s *messageService) Inbox(ctx context.Context, recipient string, unreadOnly bool) ([]*domain.MessageLog, error) {
	return s.store.Messages.ListInbox(ctx, recipient, unreadOnly)
}

func (s *messageService) MarkRead(ctx context.Context, uuid, recipient string) error {
	return s.store.Messages.MarkRead(ctx, uuid, recipient, s.clock.Now())
}

func (s *messageService) ListTemplates(ctx context.Context) ([]*domain.MessageTemplate, error) {
	return s.store.Templates.List(ctx)
}

func (s *messageService) UpsertTemplate(ctx context.Context, req TemplateRequest) (*domain.MessageTemplate, error) {
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		return nil, apperr.New(apperr.Validation, "code is required").WithDetail("field", "code")
	}
	if !domain.ValidMessageType(req.Type) {
		return nil, apperr.New(apperr.Validation, "invalid message type %q", req.Type).WithDetail("field", "type")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.New(apperr.Validation, "content is required").WithDetail("field", "content")
	}
	t := &domain.MessageTemplate{
		Code:     req.Code,
		Name:     strings.TrimSpace(req.Name),
		Type:     req.Type,
		Subject:  req.Subject,
		Content:  req.Content,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if t.Name == "" {
		t.Name = t.Code
	}
	if err := s.store.Templates.Upsert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *messageService) PublishMaterialUpdated(ctx context.Context, ev MaterialUpdatedEvent) (string, error) {
	if ev.MaterialID <= 0 {
		return "", apperr.New(apperr.Validation, "material_id is required").WithDetail("field", "material_id")
	}
	if len(ev.Subscribers) == 0 {
		return "", apperr.New(apperr.Validation, "subscribers must not be empty").WithDetail("field", "subscribers")
	}
	return s.publisher.Publish(ctx, EventMaterialUpdated, ev)
}

func (s *messageService) RegisterHandlers(r HandlerRegistry) {
	r.Register(EventMessageSend, s.handleSend)
	r.Register(EventMaterialUpdated, s.handleMaterialUpdated)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderTemplate 替换 {{var}} 占位符；缺失变量保留原样
func RenderTemplate(tpl string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// handleSend 投递一条消息；驱动失败时记录 failed 并交给 dispatcher 重试
func (s *messageService) handleSend(ctx context.Context, ev *jobs.Event) error {
	var data messageSendData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	msg, err := s.store.Messages.GetByUUID(ctx, data.MessageUUID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return jobs.Permanent(err)
		}
		return err
	}
	if msg.Status == domain.MessageSuccess || msg.Status == domain.MessageRead {
		// 重复投递
		return nil
	}
	if err := s.store.Messages.UpdateStatus(ctx, msg.UUID, domain.MessageSending, "", "", s.clock.Now()); err != nil {
		return err
	}

	out, err := s.render(ctx, msg)
	if err != nil {
		return s.fail(ctx, msg, err, true)
	}
	driver, err := s.drivers.Driver(msg.Type)
	if err != nil {
		return s.fail(ctx, msg, err, true)
	}
	if err := driver.Send(ctx, out); err != nil {
		return s.fail(ctx, msg, err, errors.Is(err, notify.ErrNotConfigured))
	}

	if err := s.store.Messages.UpdateStatus(ctx, msg.UUID, domain.MessageSuccess, out.Content, "", s.clock.Now()); err != nil {
		return err
	}
	s.metrics.Messages.WithLabelValues(string(msg.Type), string(domain.MessageSuccess)).Inc()
	s.logger.Info("Message delivered",
		zap.String("message_uuid", msg.UUID),
		zap.Int64("tenant_id", msg.TenantID),
		zap.String("type", string(msg.Type)),
	)
	return nil
}

func (s *messageService) render(ctx context.Context, msg *domain.MessageLog) (*notify.Message, error) {
	out := &notify.Message{
		UUID:      msg.UUID,
		TenantID:  msg.TenantID,
		Type:      msg.Type,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Content:   msg.Content,
	}
	if !msg.TemplateCode.Valid {
		return out, nil
	}
	tpl, err := s.store.Templates.GetByCode(ctx, msg.TemplateCode.String)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, fmt.Errorf("message template %s not found", msg.TemplateCode.String)
		}
		return nil, err
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("message template %s is inactive", tpl.Code)
	}
	vars := map[string]string{}
	if len(msg.Variables) > 0 {
		if err := json.Unmarshal(msg.Variables, &vars); err != nil {
			return nil, fmt.Errorf("invalid message variables: %w", err)
		}
	}
	out.Content = RenderTemplate(tpl.Content, vars)
	if out.Subject == "" {
		out.Subject = RenderTemplate(tpl.Subject, vars)
	}
	return out, nil
}

func (s *messageService) fail(ctx context.Context, msg *domain.MessageLog, cause error, permanent bool) error {
	if err := s.store.Messages.UpdateStatus(ctx, msg.UUID, domain.MessageFailed, "", truncateError(cause.Error()), s.clock.Now()); err != nil {
		s.logger.Warn("Failed to mark message failed", zap.String("message_uuid", msg.UUID), zap.Error(err))
	}
	s.metrics.Messages.WithLabelValues(string(msg.Type), string(domain.MessageFailed)).Inc()
	s.logger.Warn("Message delivery failed",
		zap.String("message_uuid", msg.UUID),
		zap.Int64("tenant_id", msg.TenantID),
		zap.String("type", string(msg.Type)),
		zap.Bool("permanent", permanent),
		zap.Error(cause),
	)
	if permanent {
		return jobs.Permanent(cause)
	}
	return cause
}

// handleMaterialUpdated 物料变更扇出为站内信
func (s *messageService) handleMaterialUpdated(ctx context.Context, ev *jobs.Event) error {
	var data MaterialUpdatedEvent
	if err := ev.Decode(&data); err != nil {
		return err
	}
	label := data.MaterialCode
	if label == "" {
		label = fmt.Sprintf("#%d", data.MaterialID)
	}
	content := "物料 " + label + " 已更新"
	if len(data.ChangedFields) > 0 {
		content += "，变更字段：" + strings.Join(data.ChangedFields, "、")
	}
	for _, sub := range data.Subscribers {
		if _, err := s.Send(ctx, SendMessageRequest{
			Type:      domain.MessageInternal,
			Recipient: sub,
			Subject:   "物料变更通知",
			Content:   content,
		}); err != nil {
			return err
		}
	}
	s.logger.Info("Material change fanned out",
		zap.String("tenant_id", tenantctx.String(ctx)),
		zap.Int64("material_id", data.MaterialID),
		zap.Int("subscribers", len(data.Subscribers)),
	)
	return nil
}

func truncateError(s string) string {
	return truncateRunes(s, 500)
}

// truncateRunes 按字节上限截断，不切断多字节字符
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
