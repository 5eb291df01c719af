/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package events 提供生命周期事件的存储与发布，支持内存存储和 Redis 存储
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/redis/go-redis/v9"
)

// 错误定义
var (
	ErrSinkClosed = errors.New("events: sink closed")
)

// Record 是事件的可序列化形式
type Record struct {
	Type      monitor.EventType `json:"type"`
	RunID     string            `json:"run_id,omitempty"`
	PID       int               `json:"pid,omitempty"`
	Attempt   int               `json:"attempt"`
	ExitCode  int               `json:"exit_code"`
	Restarts  int               `json:"restarts"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// FromEvent 将监控事件转换为 Record
func FromEvent(ev monitor.Event) Record {
	r := Record{
		Type:      ev.Type,
		RunID:     ev.RunID,
		PID:       ev.PID,
		Attempt:   ev.Attempt,
		ExitCode:  ev.ExitCode,
		Restarts:  ev.Restarts,
		Timestamp: ev.Timestamp,
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	return r
}

// Sink 事件存储接口
type Sink interface {
	// Publish 写入一条事件
	Publish(ctx context.Context, r Record) error
}

// MemorySink 内存事件存储
// 使用固定容量的环形缓冲区保存最近的事件
type MemorySink struct {
	mu    sync.RWMutex
	items []Record
	next  int
	full  bool
}

// NewMemorySink 创建容量为 capacity 的内存存储，capacity 非正时为 1
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemorySink{items: make([]Record, capacity)}
}

// Publish 写入事件，缓冲区满时覆盖最旧的事件
func (m *MemorySink) Publish(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.next] = r
	m.next = (m.next + 1) % len(m.items)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Len 返回当前保存的事件数量
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.items)
	}
	return m.next
}

// Recent 返回最近的 n 条事件，按时间倒序；n 非正时返回全部
func (m *MemorySink) Recent(n int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.full {
		size = len(m.items)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.items)) % len(m.items)
		out = append(out, m.items[idx])
	}
	return out
}

// RedisSink Redis 事件存储实现
// 每条事件会 PUBLISH 到频道，同时写入列表与最新事件键
type RedisSink struct {
	client  *redis.Client
	channel string
	prefix  string // key 前缀，用于区分不同实例的事件
	ttl     time.Duration
	keep    int64
}

// NewRedisSink 创建新的 Redis 存储实例
func NewRedisSink(client *redis.Client, channel, prefix string, ttl time.Duration, keep int) *RedisSink {
	if prefix == "" {
		prefix = "pipekeeper:"
	}
	if keep <= 0 {
		keep = 1
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		prefix:  prefix,
		ttl:     ttl,
		keep:    int64(keep),
	}
}

// buildKey 构建带前缀的 key
func (r *RedisSink) buildKey(key string) string {
	return r.prefix + key
}

// Publish 将事件写入 Redis
func (r *RedisSink) Publish(ctx context.Context, rec Record) error {
	if r.client == nil {
		return ErrSinkClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	listKey := r.buildKey("events")
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, data)
		pipe.Set(ctx, r.buildKey("last_event"), data, r.ttl)
		pipe.LPush(ctx, listKey, data)
		pipe.LTrim(ctx, listKey, 0, r.keep-1)
		if r.ttl > 0 {
			pipe.Expire(ctx, listKey, r.ttl)
		}
		return nil
	})
	return err
}

// Last 读取最近一次写入的事件
func (r *RedisSink) Last(ctx context.Context) (*Record, error) {
	if r.client == nil {
		return nil, ErrSinkClosed
	}
	result, err := r.client.Get(ctx, r.buildKey("last_event")).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
