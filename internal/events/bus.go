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

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// publishTimeout 单个存储写入事件的超时时间
const publishTimeout = 2 * time.Second

// StoreType 事件存储类型
type StoreType string

const (
	// StoreTypeMemory 内存存储
	StoreTypeMemory StoreType = "memory"
	// StoreTypeRedis Redis 存储
	StoreTypeRedis StoreType = "redis"
)

// Bus 将监控事件分发到所有存储
// 内存存储总是启用，Redis 存储按配置启用
type Bus struct {
	memory *MemorySink
	sinks  []namedSink
	client *redis.Client
	logger *zap.Logger
}

type namedSink struct {
	kind StoreType
	sink Sink
}

// NewBus 根据配置初始化事件总线
// Redis 不可达不会阻止创建，写入失败在 Handle 中记录
func NewBus(cfg config.EventsConfig, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		memory: NewMemorySink(cfg.Buffer),
		logger: logger,
	}
	b.sinks = append(b.sinks, namedSink{kind: StoreTypeMemory, sink: b.memory})

	if !cfg.Redis.Enabled {
		logger.Debug("[Events] 使用内存事件存储")
		return b
	}

	client := NewRedisClient(cfg.Redis)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Warn("[Events] redis tracing not installed", zap.Error(err))
	}
	b.client = client
	b.AddSink(StoreTypeRedis, NewRedisSink(client, cfg.Redis.Channel, cfg.Redis.Prefix, cfg.Redis.TTL, cfg.Buffer))
	logger.Info("[Events] 使用 Redis 事件存储",
		zap.String("addr", client.Options().Addr),
		zap.String("channel", cfg.Redis.Channel))
	return b
}

// NewRedisClient 创建 Redis 客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// AddSink 追加一个存储，须在 Handle 被调用之前
func (b *Bus) AddSink(kind StoreType, s Sink) {
	if s != nil {
		b.sinks = append(b.sinks, namedSink{kind: kind, sink: s})
	}
}

// Handle 是 monitor.EventHandler，写入失败只记录日志
func (b *Bus) Handle(ev monitor.Event) {
	rec := FromEvent(ev)
	for _, s := range b.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.sink.Publish(ctx, rec)
		cancel()
		if err != nil {
			b.logger.Warn("[Events] publish failed",
				zap.String("store", string(s.kind)),
				zap.String("event", string(rec.Type)),
				zap.Error(err))
		}
	}
}

// Recent 返回内存中最近的 n 条事件
func (b *Bus) Recent(n int) []Record {
	return b.memory.Recent(n)
}

// StoreTypes 返回当前启用的存储类型
func (b *Bus) StoreTypes() []StoreType {
	out := make([]StoreType, 0, len(b.sinks))
	for _, s := range b.sinks {
		out = append(out, s.kind)
	}
	return out
}

// Close 关闭 Redis 连接
func (b *Bus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
