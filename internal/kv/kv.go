// Package kv defines the key-value capability the core requires from
// its backend (spec §6's KV layout): string get/set with TTL, sets for
// indices, lists for the log ring buffer, and pub/sub for live log
// fan-out. job.Store, dispatcher.Service and pipeline.Engine depend on
// this interface, not on a concrete Redis client, mirroring the
// teacher's repos-interface/gorm-impl split (internal/repos ->
// internal/data/repos).
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Subscription interface {
	// Messages yields published payloads in delivery order until the
	// subscription is closed or its context is cancelled.
	Messages() <-chan string
	Close() error
}

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent, returning true iff this call won
	// the race — the primitive behind dispatcher idempotency.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Eval runs a Lua script atomically against the backend, mirroring
	// the atomic-scheduled-task-move pattern used for the job status
	// CAS (spec §9: "transitions are compare-and-set operations").
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}
