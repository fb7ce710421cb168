package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Store over Redis Streams + consumer groups.
// Grounded directly on the Backstage task-queue consumer
// (other_examples/backstage-go-consumer.go): XGroupCreateMkStream
// tolerant of BUSYGROUP, XReadGroup with Block/Count, XAck,
// XPendingExt for idle-threshold inspection, and XClaim for
// reassignment of abandoned entries.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) EnsureGroup(ctx context.Context, topic, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Publish(ctx context.Context, topic, jobID string) (string, error) {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"job_id": jobID},
	}).Result()
}

func (q *RedisQueue) ReadGroup(ctx context.Context, topic, group, consumer string, max int64, block time.Duration) ([]Entry, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			jobID, _ := msg.Values["job_id"].(string)
			out = append(out, Entry{ID: msg.ID, JobID: jobID, Deliveries: 1})
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.rdb.XAck(ctx, topic, group, ids...).Err()
}

func (q *RedisQueue) Pending(ctx context.Context, topic, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			IdleFor:    p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (q *RedisQueue) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		jobID, _ := m.Values["job_id"].(string)
		out = append(out, Entry{ID: m.ID, JobID: jobID})
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context, topic string) (int64, error) {
	return q.rdb.XLen(ctx, topic).Result()
}

func (q *RedisQueue) Depth(ctx context.Context, topic, group string) (int64, error) {
	res, err := q.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", topic, group, err)
	}
	return res.Count, nil
}
