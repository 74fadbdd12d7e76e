package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/config"
)

type smsRequest struct {
	Phone     string `json:"phone"`
	Content   string `json:"content"`
	RequestID string `json:"request_id"`
}

type smsResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SMS 短信网关驱动（HTTP JSON）
type SMS struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewSMS 创建短信驱动；未配置网关时返回 nil
func NewSMS(cfg config.SMSConfig, logger *zap.Logger) *SMS {
	if cfg.GatewayURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(cfg.GatewayURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &SMS{httpClient: client, logger: logger}
}

// Send 调用网关发送短信；重试交给 job dispatcher
func (s *SMS) Send(ctx context.Context, msg *Message) error {
	var result smsResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(smsRequest{Phone: msg.Recipient, Content: msg.Content, RequestID: msg.UUID}).
		SetResult(&result).
		Post("/send")
	if err != nil {
		s.logger.Error("SMS gateway call failed",
			zap.String("message_uuid", msg.UUID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call SMS gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("SMS gateway returned HTTP %d", resp.StatusCode())
	}
	if result.Code != 0 {
		s.logger.Warn("SMS gateway rejected message",
			zap.String("message_uuid", msg.UUID),
			zap.Int("code", result.Code),
			zap.String("msg", result.Message),
		)
		return fmt.Errorf("SMS gateway error: %s (code: %d)", result.Message, result.Code)
	}
	return nil
}
