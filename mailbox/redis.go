// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists counts in a redis hash per mailbox, so several engine
// instances can share mailboxes. Keys look like "mwi:<mailbox>".
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to "mwi:"
	KeyPrefix string
}

// OpenRedis connects and pings the server before returning a store.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mwi:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mwi:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) Load(ctx context.Context, mailbox string) (Counts, error) {
	vals, err := r.rdb.HGetAll(ctx, r.prefix+mailbox).Result()
	if err != nil {
		return Counts{}, err
	}

	var c Counts
	if v, ok := vals["new"]; ok {
		if c.New, err = strconv.Atoi(v); err != nil {
			return Counts{}, fmt.Errorf("corrupt new count for %q: %w", mailbox, err)
		}
	}
	if v, ok := vals["old"]; ok {
		if c.Old, err = strconv.Atoi(v); err != nil {
			return Counts{}, fmt.Errorf("corrupt old count for %q: %w", mailbox, err)
		}
	}
	return c, nil
}

func (r *RedisStore) Save(ctx context.Context, mailbox string, c Counts) error {
	return r.rdb.HSet(ctx, r.prefix+mailbox, "new", c.New, "old", c.Old).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
