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

package monitor

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultAsyncBuffer is the queue length of an AsyncHandler.
const DefaultAsyncBuffer = 256

// AsyncHandler moves a slow EventHandler off the monitor goroutine. Events
// are delivered in order by a single goroutine; when the queue is full the
// event is dropped and counted.
// AsyncHandler 将耗时的事件处理器移出监控协程，按顺序投递，队列满时丢弃并计数。
type AsyncHandler struct {
	name    string
	handler EventHandler
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsyncHandler starts the delivery goroutine. A non-positive buffer means
// DefaultAsyncBuffer.
func NewAsyncHandler(name string, h EventHandler, buffer int, logger *zap.Logger) *AsyncHandler {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AsyncHandler{
		name:    name,
		handler: h,
		logger:  logger,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncHandler) loop() {
	defer close(a.done)
	for ev := range a.queue {
		a.handler(ev)
	}
}

// Handle enqueues ev without blocking. It is a no-op after Close.
// Handle 非阻塞地将事件入队，Close 之后调用无效。
func (a *AsyncHandler) Handle(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("Event queue full, event dropped",
			zap.String("handler", a.name),
			zap.String("event", string(ev.Type)),
			zap.Int64("dropped", n))
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *AsyncHandler) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are delivered.
// Close 停止接收事件，并等待已入队的事件处理完毕。
func (a *AsyncHandler) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
