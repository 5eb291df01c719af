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

// Package restart decides whether a dead worker is relaunched.
// restart 包决定已退出的工作进程是否需要重启。
//
// This package provides:
// 此包提供：
// - Restart count limiting / 重启次数限制
// - Exit classification (clean, failed, timed out) / 退出分类
// - Restart history tracking / 重启历史跟踪
package restart

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default configuration values
// 默认配置值
const (
	DefaultBackoff = 10 * time.Second // 默认重启延迟 / Default restart delay

	// Unlimited disables the restart budget
	// Unlimited 表示不限制重启次数
	Unlimited = -1
)

// Trigger selects which exits cause a restart.
// Trigger 决定哪些退出会触发重启。
type Trigger string

const (
	// OnAlways restarts after any exit
	// OnAlways 任何退出都重启
	OnAlways Trigger = "always"

	// OnFailure restarts only after a non-zero exit, a timeout or a launch failure
	// OnFailure 仅在非零退出、超时或启动失败时重启
	OnFailure Trigger = "on-failure"
)

// Error definitions
// 错误定义
var (
	// ErrBudgetExhausted is returned once MaxRestarts restarts have been performed
	// ErrBudgetExhausted 表示已达到最大重启次数
	ErrBudgetExhausted = errors.New("restart budget exhausted")

	// ErrCleanExit is returned when an on-failure policy declines a clean exit
	// ErrCleanExit 表示 on-failure 策略下工作进程正常退出
	ErrCleanExit = errors.New("worker exited cleanly")
)

// Policy is the restart policy.
// Policy 是重启策略。
type Policy struct {
	// MaxRestarts < 0 is unlimited; 0 never restarts
	// MaxRestarts 小于 0 表示不限次数，0 表示从不重启
	MaxRestarts int           `json:"max_restarts"`
	Backoff     time.Duration `json:"backoff"`
	On          Trigger       `json:"on"`
}

// DefaultPolicy restarts forever after any exit, waiting DefaultBackoff.
// DefaultPolicy 返回默认策略：任何退出都无限次重启。
func DefaultPolicy() Policy {
	return Policy{MaxRestarts: Unlimited, Backoff: DefaultBackoff, On: OnAlways}
}

// Bounded reports whether the policy has a finite budget.
func (p Policy) Bounded() bool {
	return p.MaxRestarts >= 0
}

// Exit describes how a worker ended.
// Exit 描述工作进程的结束方式。
type Exit struct {
	Code         int  `json:"code"`
	TimedOut     bool `json:"timed_out"`
	LaunchFailed bool `json:"launch_failed"`
}

// Failed reports whether the exit counts as a failure.
func (e Exit) Failed() bool {
	return e.TimedOut || e.LaunchFailed || e.Code != 0
}

// String returns the exit reason label used in logs and metrics.
func (e Exit) String() string {
	switch {
	case e.LaunchFailed:
		return "launch_failed"
	case e.TimedOut:
		return "timed_out"
	case e.Code == 0:
		return "clean"
	default:
		return "failed"
	}
}

// Allow decides whether a restart may follow exit after restarts restarts
// have already been performed. A nil error means restart.
// Allow 判断在已重启 restarts 次后是否允许再次重启，返回 nil 表示允许。
func (p Policy) Allow(restarts int, exit Exit) error {
	if p.On == OnFailure && !exit.Failed() {
		return ErrCleanExit
	}
	if p.Bounded() && restarts >= p.MaxRestarts {
		return fmt.Errorf("%w: %d of %d restarts used", ErrBudgetExhausted, restarts, p.MaxRestarts)
	}
	return nil
}

// History is the restart record of a monitor.
// History 记录监控器的重启历史。
type History struct {
	Count        int         `json:"restart_count"`
	LastRestart  time.Time   `json:"last_restart"`
	RestartTimes []time.Time `json:"restart_times"`
}

// Tracker counts restarts against a Policy. Safe for concurrent readers.
// Tracker 按策略统计重启次数，支持并发读取。
type Tracker struct {
	policy  Policy
	mu      sync.RWMutex
	history History
	// keep at most this many restart timestamps
	maxTimes int
}

// NewTracker creates a Tracker for policy.
// NewTracker 为策略创建计数器。
func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy, maxTimes: 100}
}

// Policy returns the tracked policy.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Check applies the policy to exit using the current restart count.
// Check 以当前重启次数应用策略。
func (t *Tracker) Check(exit Exit) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy.Allow(t.history.Count, exit)
}

// Record registers a restart performed at now.
// Record 记录一次重启。
func (t *Tracker) Record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Count++
	t.history.LastRestart = now
	t.history.RestartTimes = append(t.history.RestartTimes, now)
	if len(t.history.RestartTimes) > t.maxTimes {
		t.history.RestartTimes = t.history.RestartTimes[len(t.history.RestartTimes)-t.maxTimes:]
	}
}

// Count returns the number of restarts performed.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.history.Count
}

// History returns a copy of the restart history.
// History 返回重启历史的副本。
func (t *Tracker) History() History {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.history
	h.RestartTimes = append([]time.Time(nil), t.history.RestartTimes...)
	return h
}
