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

// Package monitor keeps the worker alive: it polls liveness on a fixed
// interval and relaunches under the restart policy.
// monitor 包负责保持工作进程存活：按固定间隔检查存活状态，并按重启策略重新拉起。
//
// This package provides:
// 此包提供：
// - Worker state machine / 工作进程状态机
// - Periodic liveness polling / 周期性存活检查
// - Lifecycle event generation / 生命周期事件生成
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/clock"
	"github.com/pipekeeper/pipekeeper/internal/restart"
	"go.uber.org/zap"
)

// DefaultPollInterval is the default liveness check interval
// DefaultPollInterval 是默认的存活检查间隔
const DefaultPollInterval = 30 * time.Second

// Error definitions
// 错误定义
var (
	// ErrRestartBudgetExhausted is returned when the policy refuses further restarts
	// ErrRestartBudgetExhausted 表示重启预算已用尽
	ErrRestartBudgetExhausted = restart.ErrBudgetExhausted

	// ErrWorkerCompleted is returned when an on-failure policy sees a clean exit
	// ErrWorkerCompleted 表示 on-failure 策略下工作进程正常结束
	ErrWorkerCompleted = restart.ErrCleanExit

	// ErrAlreadyStarted is returned when Run is called twice
	// ErrAlreadyStarted 表示 Run 被重复调用
	ErrAlreadyStarted = errors.New("monitor already started")
)

// State is the worker's lifecycle state.
// State 表示工作进程的生命周期状态。
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateTimedOut   State = "timed_out"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Worker is the monitor's view of a launched process.
// Worker 是监控器对已启动进程的抽象。
type Worker interface {
	RunID() string
	PID() int
	StartTime() time.Time
	Alive() bool
	TimedOut() bool
	ExitCode() int
}

// LaunchFunc starts a new worker. attempt is 0 for the first launch and the
// restart index afterwards.
// LaunchFunc 启动新的工作进程，attempt 首次为 0，之后为重启序号。
type LaunchFunc func(ctx context.Context, attempt int) (Worker, error)

// EventType is the type of a lifecycle event.
// EventType 表示生命周期事件类型。
type EventType string

const (
	EventStarted      EventType = "started"
	EventExited       EventType = "exited"
	EventTimedOut     EventType = "timed_out"
	EventLaunchFailed EventType = "launch_failed"
	EventRestarting   EventType = "restarting"
	EventStopped      EventType = "stopped"
)

// Event is a worker lifecycle event.
// Event 表示工作进程生命周期事件。
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Attempt   int       `json:"attempt"`
	ExitCode  int       `json:"exit_code"`
	Restarts  int       `json:"restarts"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// EventHandler receives events synchronously on the monitor goroutine.
// EventHandler 在监控协程中同步接收事件。
type EventHandler func(Event)

// Snapshot is a point-in-time copy of the monitor state.
// Snapshot 是监控器状态的快照。
type Snapshot struct {
	State        State     `json:"state"`
	RunID        string    `json:"run_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	StartTime    time.Time `json:"start_time,omitempty"`
	Launches     int       `json:"launches"`
	Restarts     int       `json:"restarts"`
	LastRestart  time.Time `json:"last_restart,omitempty"`
	LastExitCode int       `json:"last_exit_code"`
	LastExitAt   time.Time `json:"last_exit_at,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
}

// Monitor supervises one worker. The worker handle is replaced only by the
// goroutine running Run; other goroutines read through Snapshot.
// Monitor 监督单个工作进程，句柄只由 Run 所在协程替换，其他协程通过 Snapshot 读取。
type Monitor struct {
	launch   LaunchFunc
	tracker  *restart.Tracker
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	handlers []EventHandler

	mu       sync.RWMutex
	started  bool
	state    State
	worker   Worker
	launches int
	lastExit int
	lastAt   time.Time
	stopErr  error
}

// New creates a monitor. A non-positive interval means DefaultPollInterval.
// New 创建监控器，interval 非正时使用默认间隔。
func New(launch LaunchFunc, policy restart.Policy, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		launch:   launch,
		tracker:  restart.NewTracker(policy),
		clock:    clk,
		interval: interval,
		logger:   logger,
		state:    StateNotStarted,
		lastExit: -1,
	}
}

// OnEvent registers an event handler. Must be called before Run.
// OnEvent 注册事件处理器，须在 Run 之前调用。
func (m *Monitor) OnEvent(h EventHandler) {
	if h != nil {
		m.handlers = append(m.handlers, h)
	}
}

// Run launches the worker and keeps it alive until the restart policy
// gives up or ctx is cancelled. Cancellation leaves the worker running.
// Run 启动工作进程并保持其存活，直到重启策略放弃或 ctx 被取消；取消时不会终止工作进程。
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.start(ctx, 0)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped by context, worker left running",
				zap.Int("pid", m.currentPID()))
			return ctx.Err()
		case <-ticker.C():
		}

		w := m.current()
		if w != nil && w.Alive() {
			continue
		}

		exit := m.observeExit(w)
		if err := m.tracker.Check(exit); err != nil {
			m.stop(err)
			return err
		}

		m.setState(StateRestarting)
		attempt := m.tracker.Count() + 1
		m.emit(Event{Type: EventRestarting, Attempt: attempt, ExitCode: exit.Code, Restarts: attempt - 1})
		m.logger.Warn("Restarting worker",
			zap.Int("attempt", attempt),
			zap.String("reason", exit.String()),
			zap.Duration("backoff", m.tracker.Policy().Backoff))

		if b := m.tracker.Policy().Backoff; b > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(b):
			}
		}

		m.tracker.Record(m.clock.Now())
		m.start(ctx, attempt)
	}
}

// start launches a worker; a launch error is surfaced as an immediate exit
// on the next poll.
func (m *Monitor) start(ctx context.Context, attempt int) {
	w, err := m.launch(ctx, attempt)

	m.mu.Lock()
	m.launches++
	m.worker = w
	if err != nil {
		m.worker = nil
		m.state = StateExited
		m.lastExit = -1
		m.lastAt = m.clock.Now()
	} else {
		m.state = StateRunning
	}
	restarts := m.tracker.Count()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Worker launch failed", zap.Int("attempt", attempt), zap.Error(err))
		m.emit(Event{Type: EventLaunchFailed, Attempt: attempt, ExitCode: -1, Restarts: restarts, Err: err})
		return
	}
	m.emit(Event{Type: EventStarted, RunID: w.RunID(), PID: w.PID(), Attempt: attempt, ExitCode: -1, Restarts: restarts})
}

// observeExit classifies a dead worker. A nil worker is a failed launch.
func (m *Monitor) observeExit(w Worker) restart.Exit {
	if w == nil {
		return restart.Exit{Code: -1, LaunchFailed: true}
	}

	exit := restart.Exit{Code: w.ExitCode(), TimedOut: w.TimedOut()}
	state, evType := StateExited, EventExited
	if exit.TimedOut {
		state, evType = StateTimedOut, EventTimedOut
	}

	m.mu.Lock()
	m.state = state
	m.lastExit = exit.Code
	m.lastAt = m.clock.Now()
	restarts := m.tracker.Count()
	m.mu.Unlock()

	m.logger.Warn("Worker is no longer running",
		zap.String("run_id", w.RunID()),
		zap.Int("pid", w.PID()),
		zap.Int("exit_code", exit.Code),
		zap.Bool("timed_out", exit.TimedOut))
	m.emit(Event{Type: evType, RunID: w.RunID(), PID: w.PID(), ExitCode: exit.Code, Restarts: restarts})
	return exit
}

func (m *Monitor) stop(reason error) {
	m.mu.Lock()
	m.state = StateStopped
	m.stopErr = reason
	restarts := m.tracker.Count()
	lastExit := m.lastExit
	m.mu.Unlock()

	m.logger.Error("Worker will not be restarted",
		zap.Int("restarts", restarts),
		zap.Int("last_exit_code", lastExit),
		zap.Error(reason))
	m.emit(Event{Type: EventStopped, ExitCode: lastExit, Restarts: restarts, Err: reason})
}

func (m *Monitor) emit(ev Event) {
	ev.Timestamp = m.clock.Now()
	for _, h := range m.handlers {
		h(ev)
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) current() Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.worker
}

func (m *Monitor) currentPID() int {
	if w := m.current(); w != nil {
		return w.PID()
	}
	return 0
}

// Worker returns the current worker, or nil.
// Worker 返回当前工作进程，可能为 nil。
func (m *Monitor) Worker() Worker {
	return m.current()
}

// Snapshot returns a copy of the current state.
// Snapshot 返回当前状态的副本。
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		State:        m.state,
		Launches:     m.launches,
		Restarts:     m.tracker.Count(),
		LastExitCode: m.lastExit,
		LastExitAt:   m.lastAt,
	}
	if s.Restarts > 0 {
		s.LastRestart = m.tracker.History().LastRestart
	}
	if m.worker != nil {
		s.RunID = m.worker.RunID()
		s.PID = m.worker.PID()
		s.StartTime = m.worker.StartTime()
	}
	if m.stopErr != nil {
		s.StopReason = m.stopErr.Error()
	}
	return s
}
