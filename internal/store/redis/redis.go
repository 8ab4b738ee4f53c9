package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/knadh/oathkey/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store. Every time-step is a hash of
// name => code. The keys of all steps are tracked in a set so that
// Clear doesn't have to scan the keyspace.
type Redis struct {
	client *redis.Client
	conf   Conf
}

var (
	ctx = context.Background()
)

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// TTL expires time-step buckets. 0 keeps them until Clear.
	TTL time.Duration `json:"ttl"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OATHKEY"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping() error {
	return r.client.Ping(ctx).Err()
}

// Get returns the code cached for a name at a time-step.
func (r *Redis) Get(step uint64, name string) (string, error) {
	code, err := r.client.HGet(ctx, r.makeKey(step), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", store.ErrNotExist
		}
		return "", err
	}
	return code, nil
}

// Set replaces the bucket of a time-step.
func (r *Redis) Set(step uint64, codes map[string]string) error {
	key := r.makeKey(step)

	// Flatten the map into HMSET's field/value arguments.
	args := make([]interface{}, 0, len(codes)*2)
	for name, code := range codes {
		args = append(args, name, code)
	}

	// Create a transaction to execute commands atomically.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(args) == 0 {
			return nil
		}

		pipe.HMSet(ctx, key, args...)
		pipe.SAdd(ctx, r.stepsKey(), key)
		if r.conf.TTL > 0 {
			pipe.PExpire(ctx, key, r.conf.TTL)
		}
		return nil
	})
	return err
}

// Clear deletes every bucket.
func (r *Redis) Clear() error {
	keys, err := r.client.SMembers(ctx, r.stepsKey()).Result()
	if err != nil {
		return err
	}

	keys = append(keys, r.stepsKey())
	return r.client.Del(ctx, keys...).Err()
}

// makeKey makes the Redis key for a time-step.
func (r *Redis) makeKey(step uint64) string {
	return r.conf.KeyPrefix + ":" + strconv.FormatUint(step, 10)
}

// stepsKey is the set of every bucket key.
func (r *Redis) stepsKey() string {
	return r.conf.KeyPrefix + ":steps"
}
