package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/redis/go-redis/v9"

	"softgate-functions/models"
)

const (
	WebhooksQueue     = "v1-webhooks"
	UsageKeyPrefix    = "usage:"
	deadLetterMaxSize = 10000
)

// RedisService is the queue, pub/sub and usage backend shared by the
// scheduler and the worker.
type RedisService struct {
	client     *redis.Client
	queue      string
	deadLetter string
}

func NewRedisService(host string, port int, queue, deadLetter string) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	return &RedisService{client: client, queue: queue, deadLetter: deadLetter}
}

type deadLetterEntry struct {
	Message  json.RawMessage `json:"message"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

// Enqueue pushes a trigger onto the functions queue.
func (r *RedisService) Enqueue(ctx context.Context, msg *models.TriggerMessage) error {
	var err error
	xray.Capture(ctx, "Redis.LPush", func(ctx1 context.Context) error {
		jsonData, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			err = marshalErr
			return marshalErr
		}
		err = r.client.LPush(ctx1, r.queue, jsonData).Err()

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.queue_key", r.queue)
			seg.AddMetadata("redis.operation", "LPUSH")
			seg.AddMetadata("trigger.type", msg.Type)
		}

		return err
	})
	return err
}

// Dequeue blocks up to timeout for the oldest message. It returns nil, nil
// when nothing arrived.
func (r *RedisService) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BRPop(ctx, timeout, r.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// DeadLetter parks a message that could not be processed, with the cause.
func (r *RedisService) DeadLetter(ctx context.Context, raw []byte, cause error) error {
	entry := deadLetterEntry{FailedAt: time.Now().UTC()}
	if json.Valid(raw) {
		entry.Message = raw
	} else {
		quoted, _ := json.Marshal(string(raw))
		entry.Message = quoted
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	var err error
	xray.Capture(ctx, "Redis.DeadLetter", func(ctx1 context.Context) error {
		jsonData, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			err = marshalErr
			return marshalErr
		}
		pipe := r.client.TxPipeline()
		pipe.LPush(ctx1, r.deadLetter, jsonData)
		pipe.LTrim(ctx1, r.deadLetter, 0, deadLetterMaxSize-1)
		_, err = pipe.Exec(ctx1)

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.queue_key", r.deadLetter)
			seg.AddMetadata("redis.operation", "LPUSH")
		}
		return err
	})
	return err
}

func (r *RedisService) Publish(ctx context.Context, channel string, payload []byte) error {
	var err error
	xray.Capture(ctx, "Redis.Publish", func(ctx1 context.Context) error {
		err = r.client.Publish(ctx1, channel, payload).Err()
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.channel", channel)
			seg.AddMetadata("redis.operation", "PUBLISH")
		}
		return err
	})
	return err
}

// PushWebhook queues a webhook delivery for the webhooks worker.
func (r *RedisService) PushWebhook(ctx context.Context, payload []byte) error {
	var err error
	xray.Capture(ctx, "Redis.LPush", func(ctx1 context.Context) error {
		err = r.client.LPush(ctx1, WebhooksQueue, payload).Err()
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.queue_key", WebhooksQueue)
			seg.AddMetadata("redis.operation", "LPUSH")
		}
		return err
	})
	return err
}

// Record adds metrics to the project's usage hash in one round trip.
func (r *RedisService) Record(ctx context.Context, projectID string, metrics map[string]int64) error {
	key := UsageKeyPrefix + projectID
	var err error
	xray.Capture(ctx, "Redis.HIncrBy", func(ctx1 context.Context) error {
		pipe := r.client.Pipeline()
		for metric, value := range metrics {
			pipe.HIncrBy(ctx1, key, metric, value)
		}
		_, err = pipe.Exec(ctx1)
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.key", key)
			seg.AddMetadata("redis.operation", "HINCRBY")
			seg.AddMetadata("usage.metrics", len(metrics))
		}
		return err
	})
	return err
}

// QueueDepth reports how many triggers wait on the functions queue.
func (r *RedisService) QueueDepth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.queue).Result()
}

// Ping checks Redis connection
func (r *RedisService) Ping(ctx context.Context) error {
	var err error
	xray.Capture(ctx, "Redis.Ping", func(ctx1 context.Context) error {
		err = r.client.Ping(ctx1).Err()

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.operation", "PING")
		}

		return err
	})
	return err
}

func (r *RedisService) Close() error {
	return r.client.Close()
}
