package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Publisher MQTT 发布端（pkg/mqtt.Client 满足）
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Push MQTT 推送驱动：topic = <prefix>/<tenant_id>/<recipient>
type Push struct {
	pub    Publisher
	prefix string
}

// NewPush 创建推送驱动
func NewPush(pub Publisher, topicPrefix string) *Push {
	return &Push{pub: pub, prefix: topicPrefix}
}

type pushPayload struct {
	UUID    string    `json:"uuid"`
	Subject string    `json:"subject,omitempty"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// Topic 推送目标 topic
func (p *Push) Topic(msg *Message) string {
	return p.prefix + "/" + strconv.FormatInt(msg.TenantID, 10) + "/" + msg.Recipient
}

// Send 发布推送
func (p *Push) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(pushPayload{
		UUID:    msg.UUID,
		Subject: msg.Subject,
		Content: msg.Content,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	return p.pub.Publish(p.Topic(msg), false, payload)
}
