package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream 发布消息到 Redis Streams（值统一转成字符串）
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			streamValues[k] = val
		case []byte:
			streamValues[k] = string(val)
		case int, int32, int64:
			streamValues[k] = fmt.Sprintf("%d", val)
		case bool:
			if val {
				streamValues[k] = "true"
			} else {
				streamValues[k] = "false"
			}
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			streamValues[k] = string(jsonBytes)
		}
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	})
}

// ReadFromStream 以消费者组方式读取多个 stream 的新消息
// block 为 0 时不阻塞
func ReadFromStream(ctx context.Context, client *redis.Client, streams []string, consumerGroup, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// CreateConsumerGroup 创建消费者组（stream 不存在时一并创建；组已存在不报错）
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", groupName, stream, err)
	}
	return nil
}

// AckMessage 确认消息
func AckMessage(ctx context.Context, client *redis.Client, stream, groupName string, ids ...string) error {
	return client.XAck(ctx, stream, groupName, ids...).Err()
}

// ClaimIdleMessages 把组内空闲超过 minIdle 的待确认消息转给 consumer。
// 消费者在读取后、确认前退出时，消息会一直留在 PEL 中，需要由存活的消费者认领重投。
func ClaimIdleMessages(ctx context.Context, client *redis.Client, stream, groupName, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list pending messages on %s: %w", stream, err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// XCLAIM 再次校验空闲时间，并发认领时只有一个消费者成功
	claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    groupName,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim pending messages on %s: %w", stream, err)
	}

	messages := make([]StreamMessage, 0, len(claimed))
	for _, msg := range claimed {
		messages = append(messages, StreamMessage{Stream: stream, ID: msg.ID, Values: msg.Values})
	}
	return messages, nil
}
