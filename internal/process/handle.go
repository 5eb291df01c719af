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

package process

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/clock"
	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Handle tracks one launched worker. Exit state is written by the reaper
// goroutine only.
// Handle 跟踪一个已启动的工作进程，退出状态只由回收协程写入。
type Handle struct {
	runID     string
	pid       int
	startTime time.Time
	deadline  time.Time
	logPath   string

	cmd    *exec.Cmd
	prober Prober
	done   chan struct{}

	mu        sync.RWMutex
	exitCode  int
	exitedAt  time.Time
	waitErr   error
	timedOut  bool
	timer     clock.Timer
	killTimer clock.Timer
}

// Usage is a point-in-time resource sample of the worker.
// Usage 是工作进程资源使用情况的采样。
type Usage struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// RunID is the unique identifier of this launch.
func (h *Handle) RunID() string { return h.runID }

// PID is the worker's process ID.
func (h *Handle) PID() int { return h.pid }

// StartTime is when the worker was spawned.
func (h *Handle) StartTime() time.Time { return h.startTime }

// Deadline is the max_runtime deadline; zero when none.
func (h *Handle) Deadline() time.Time { return h.deadline }

// LogPath is the worker's log sink.
func (h *Handle) LogPath() string { return h.logPath }

// Done is closed once the worker has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the worker has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the worker is still running: not reaped and the PID
// probe sees a live, non-zombie process.
// Alive 判断工作进程是否仍在运行：尚未被回收且 PID 探测为非僵尸进程。
func (h *Handle) Alive() bool {
	if h.Exited() {
		return false
	}
	return h.prober.Alive(context.Background(), h.pid)
}

// TimedOut reports whether the worker was terminated for exceeding max_runtime.
func (h *Handle) TimedOut() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.timedOut
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
// ExitCode 返回退出码，运行中或被信号终止时为 -1。
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// ExitedAt returns when the worker was reaped; zero while running.
func (h *Handle) ExitedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitedAt
}

// Wait blocks until the worker exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate sends SIGTERM to the worker's process group.
// Terminate 向工作进程组发送 SIGTERM。
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateGroup(h.pid)
}

// Kill sends SIGKILL to the worker's process group.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killGroup(h.pid)
}

// Usage samples RSS and CPU of the worker.
// Usage 采样工作进程的内存与 CPU 使用率。
func (h *Handle) Usage(ctx context.Context) (Usage, error) {
	p, err := psprocess.NewProcessWithContext(ctx, int32(h.pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	return u, nil
}
