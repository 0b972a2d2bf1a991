// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/scenestore/pkg/fwlog"
)

// DefaultRedisPrefix namespaces every key this store writes.
const DefaultRedisPrefix = "scenestore"

const scanPageSize = 100

// RedisStorage implements Storage on Dragonfly/Redis. Keys are laid out as
// <prefix>:<namespace>:<key> and never expire.
type RedisStorage struct {
	client     redis.Cmdable
	prefix     string
	namespaces namespaces
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage connects to addr-style options and checks the connection.
func NewRedisStorage(ctx context.Context, opts *redis.Options, prefix string, nss ...Namespace) (*RedisStorage, error) {
	client := redis.NewClient(opts)
	// Check the connection.
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStorage(client, prefix, nss...)
}

func newRedisStorage(client redis.Cmdable, prefix string, nss ...Namespace) (*RedisStorage, error) {
	set, err := newNamespaces(nss)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, namespaces: set}, nil
}

func (d *RedisStorage) nsPrefix(ns Namespace) string {
	return d.prefix + ":" + string(ns) + ":"
}

func (d *RedisStorage) redisKey(ns Namespace, key string) string {
	return d.nsPrefix(ns) + key
}

func (d *RedisStorage) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := d.namespaces.guard(ns, key); err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.redisKey(ns, key), value, 0).Err(); err != nil {
		return writeErr("set", ns, key, err)
	}
	return nil
}

func (d *RedisStorage) SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error) {
	if err := d.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	ok, err := d.client.SetNX(ctx, d.redisKey(ns, key), value, 0).Result()
	if err != nil {
		return false, writeErr("set-if-absent", ns, key, err)
	}
	return ok, nil
}

func (d *RedisStorage) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := d.namespaces.guard(ns, key); err != nil {
		return nil, false, err
	}
	val, err := d.client.Get(ctx, d.redisKey(ns, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, readErr("get", ns, key, err)
	}
	return val, true, nil
}

// ListKeys walks the namespace with SCAN. SCAN may repeat keys across
// pages, so results are de-duplicated.
func (d *RedisStorage) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	if err := d.namespaces.check(ns); err != nil {
		return nil, err
	}
	prefix := d.nsPrefix(ns)
	match := escapeGlob(prefix) + "*"

	seen := make(map[string]struct{})
	keys := []string{}
	var cursor uint64
	for {
		page, next, err := d.client.Scan(ctx, cursor, match, scanPageSize).Result()
		if err != nil {
			return nil, readErr("list", ns, "*", err)
		}
		for _, k := range page {
			key := strings.TrimPrefix(k, prefix)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

func (d *RedisStorage) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := d.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	n, err := d.client.Del(ctx, d.redisKey(ns, key)).Result()
	if err != nil {
		return false, writeErr("delete", ns, key, err)
	}
	return n > 0, nil
}

// Close closes storage connections
func (d *RedisStorage) Close() error {
	switch client := d.client.(type) {
	case *redis.Client:
		fwlog.Info("Closing Redis/Dragonfly connection...")
		return client.Close()
	case *redis.ClusterClient:
		fwlog.Info("Closing Redis/Dragonfly cluster connection...")
		return client.Close()
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
