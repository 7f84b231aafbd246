// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/puzpuzpuz/xsync/v4"
)

func makeInMemoryKV(_ context.Context, _ *config.Config) (KV, error) {
	return &inMemoryKV{kv: xsync.NewMap[string, kvValue]()}, nil
}

type kvValue struct {
	values [][]byte
	ttl    time.Time // zero value means "no expiry"
}

func (v kvValue) expired() bool {
	return !v.ttl.IsZero() && v.ttl.Before(time.Now())
}

type inMemoryKV struct {
	kv *xsync.Map[string, kvValue]
}

func (kv *inMemoryKV) Has(_ context.Context, key string) (bool, error) {
	value, ok := kv.kv.Load(key)
	if !ok {
		return false, nil
	}
	if value.expired() {
		kv.kv.Delete(key)
		return false, nil
	}
	return true, nil
}

func (kv *inMemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := kv.kv.Load(key)
	if !ok {
		return nil, fmt.Errorf("key %s not found", key)
	}
	if value.expired() {
		kv.kv.Delete(key)
		return nil, fmt.Errorf("key %s has expired", key)
	}
	if len(value.values) == 0 {
		return nil, fmt.Errorf("key %s has no values", key)
	}
	return value.values[0], nil
}

func (kv *inMemoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.kv.Store(key, kvValue{values: [][]byte{value}})
	return nil
}

func (kv *inMemoryKV) Delete(_ context.Context, key string) error {
	kv.kv.Delete(key)
	return nil
}

func (kv *inMemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	value, ok := kv.kv.Load(key)
	if !ok {
		return fmt.Errorf("key %s not found", key)
	}
	if ttl <= 0 {
		kv.kv.Delete(key)
		return nil
	}
	value.ttl = time.Now().Add(ttl)
	kv.kv.Store(key, value)
	return nil
}

func (kv *inMemoryKV) Scan(_ context.Context, _ uint64, match string, count int64) ([]string, uint64, error) {
	keys := make([]string, 0)
	kv.kv.Range(func(key string, value kvValue) bool {
		if count > 0 && int64(len(keys)) >= count {
			return false
		}
		if value.expired() {
			kv.kv.Delete(key)
			return true
		}
		if matchKey(match, key) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, 0, nil
}

// matchKey implements the subset of Redis SCAN glob matching this module's
// callers actually use: an empty pattern or bare "*" matches everything, a
// trailing "*" matches by prefix, anything else matches exactly.
func matchKey(pattern, key string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == key
	}
}

func (kv *inMemoryKV) RPush(_ context.Context, key string, value []byte) (int64, error) {
	cur, _ := kv.kv.Load(key)
	cur.values = append(cur.values, value)
	kv.kv.Store(key, cur)
	return int64(len(cur.values)), nil
}

func (kv *inMemoryKV) LDrain(_ context.Context, key string) ([][]byte, error) {
	value, ok := kv.kv.LoadAndDelete(key)
	if !ok {
		return nil, nil
	}
	return value.values, nil
}

func (kv *inMemoryKV) Close() error {
	return nil
}
