package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/kuaigeyun/kuaigeyun-sub011/pkg/redis"
)

// Queue 事件队列；handle 返回后消息视为已确认
type Queue interface {
	Enqueue(ctx context.Context, ev *Event) error
	// Consume 以 consumer 身份消费 names 对应的队列，阻塞直到 ctx 结束
	Consume(ctx context.Context, consumer string, names []string, handle func(ctx context.Context, ev *Event)) error
}

// MemoryQueue 进程内队列（Redis 未启用时使用）
type MemoryQueue struct {
	ch chan *Event
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan *Event, size)}
}

// Enqueue 入队；队列满时阻塞直到 ctx 结束
func (q *MemoryQueue) Enqueue(ctx context.Context, ev *Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 消费
func (q *MemoryQueue) Consume(ctx context.Context, _ string, _ []string, handle func(ctx context.Context, ev *Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.ch:
			handle(ctx, ev)
		}
	}
}

// RedisQueue 基于 Redis Streams：每个事件名一个 stream，所有 worker 在同一消费者组内
type RedisQueue struct {
	client *redis.Client
	group  string
	prefix string
	block  time.Duration
	batch  int64

	// 待确认消息空闲超过 claimIdle 时由其他 worker 认领
	claimIdle time.Duration
	logger    *zap.Logger
}

// NewRedisQueue 创建 Redis Streams 队列
func NewRedisQueue(client *redis.Client, group string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		group:  group,
		prefix: "jobs:",
		block:     2 * time.Second,
		batch:     10,
		claimIdle: time.Minute,
		logger:    logger,
	}
}

// Stream 事件名对应的 stream
func (q *RedisQueue) Stream(name string) string { return q.prefix + name }

// Enqueue 写入 stream
func (q *RedisQueue) Enqueue(ctx context.Context, ev *Event) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, q.client, q.Stream(ev.Name), ev); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Name, err)
	}
	return nil
}

// Consume 消费者组读取，读取失败时指数退避
func (q *RedisQueue) Consume(ctx context.Context, consumer string, names []string, handle func(ctx context.Context, ev *Event)) error {
	streams := make([]string, 0, len(names))
	for _, n := range names {
		s := q.Stream(n)
		if err := rediscommon.CreateConsumerGroup(ctx, q.client, s, q.group); err != nil {
			return err
		}
		streams = append(streams, s)
	}
	if len(streams) == 0 {
		<-ctx.Done()
		return nil
	}

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastClaim) >= q.claimIdle {
			q.reclaim(ctx, consumer, streams, handle)
			lastClaim = time.Now()
		}
		msgs, err := rediscommon.ReadFromStream(ctx, q.client, streams, q.group, consumer, q.batch, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("Failed to read job streams",
				zap.String("consumer", consumer),
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
		q.process(ctx, msgs, handle)
	}
}

// reclaim 认领崩溃 worker 遗留的待确认消息并重新处理
func (q *RedisQueue) reclaim(ctx context.Context, consumer string, streams []string, handle func(ctx context.Context, ev *Event)) {
	for _, s := range streams {
		msgs, err := rediscommon.ClaimIdleMessages(ctx, q.client, s, q.group, consumer, q.claimIdle, q.batch)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("Failed to reclaim pending job messages", zap.String("stream", s), zap.Error(err))
			}
			continue
		}
		if len(msgs) > 0 {
			q.logger.Info("Reclaimed pending job messages",
				zap.String("stream", s),
				zap.String("consumer", consumer),
				zap.Int("count", len(msgs)),
			)
			q.process(ctx, msgs, handle)
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, msgs []rediscommon.StreamMessage, handle func(ctx context.Context, ev *Event)) {
	for _, msg := range msgs {
		ev, err := parseStreamEvent(msg)
		if err != nil {
			q.logger.Warn("Dropping malformed job message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else {
			handle(ctx, ev)
		}
		// 失败结果已记录在 job_attempts，这里统一确认
		if err := rediscommon.AckMessage(context.Background(), q.client, msg.Stream, q.group, msg.ID); err != nil {
			q.logger.Warn("Failed to ack job message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

func parseStreamEvent(msg rediscommon.StreamMessage) (*Event, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message has no data field")
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, err
	}
	if ev.Name == "" {
		return nil, fmt.Errorf("event has no name")
	}
	return &ev, nil
}
