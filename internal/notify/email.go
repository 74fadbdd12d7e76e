package notify

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/config"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email SMTP 邮件驱动
type Email struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
	logger   *zap.Logger
}

// NewEmail 创建邮件驱动；未配置 SMTP_HOST 时返回 nil
func NewEmail(cfg config.SMTPConfig, logger *zap.Logger) *Email {
	if cfg.Host == "" {
		return nil
	}
	e := &Email{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		from:     cfg.From,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
	if cfg.User != "" {
		e.auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	return e
}

// Send 发送纯文本邮件
func (e *Email) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.Recipient, "\r\n") || !strings.Contains(msg.Recipient, "@") {
		return fmt.Errorf("invalid email recipient %q", msg.Recipient)
	}
	body := buildMail(e.from, msg.Recipient, msg.Subject, msg.Content, time.Now())
	if err := e.sendMail(e.addr, e.auth, e.from, []string{msg.Recipient}, body); err != nil {
		e.logger.Warn("SMTP send failed",
			zap.String("message_uuid", msg.UUID),
			zap.String("smtp_host", e.host),
			zap.Error(err),
		)
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMail(from, to, subject, content string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	return []byte(b.String())
}
