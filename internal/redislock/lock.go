// Package redislock is a SETNX pass lease. The sweeper and the
// waiting-list distributor take it before a pass so only one worker
// replica runs a given background job at a time.
package redislock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

type Lock struct {
	Client *redis.Client
	Holder string
	TTL    time.Duration
}

func New(client *redis.Client, holder string, ttl time.Duration) *Lock {
	return &Lock{Client: client, Holder: holder, TTL: ttl}
}

// Acquire takes the named lease. False means another holder has it;
// the caller skips this pass and tries again next tick. The TTL bounds
// how long a crashed holder can block others.
func (l *Lock) Acquire(ctx context.Context, name string) (bool, error) {
	return l.Client.SetNX(ctx, "pass_lock:"+name, l.Holder, l.TTL).Result()
}

// Release drops the lease if this instance still holds it. A lease that
// expired and was re-taken by someone else is left alone.
func (l *Lock) Release(ctx context.Context, name string) error {
	key := "pass_lock:" + name
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val == l.Holder {
		_, err = l.Client.Del(ctx, key).Result()
	}
	return err
}
