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

// Package process launches the worker detached from the supervisor's session
// and tracks it until it exits.
// process 包以脱离监督器会话的方式启动工作进程，并跟踪其直到退出。
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pipekeeper/pipekeeper/internal/clock"
	"go.uber.org/zap"
)

// Error definitions
// 错误定义
var (
	// ErrEmptyCommand is returned when no command is configured
	// ErrEmptyCommand 表示未配置命令
	ErrEmptyCommand = errors.New("worker command is empty")

	// ErrStartFailed is returned when the OS refuses to spawn the worker
	// ErrStartFailed 表示操作系统无法创建工作进程
	ErrStartFailed = errors.New("process failed to start")

	// ErrLaunchFailure is returned when the worker is not alive after the confirm grace
	// ErrLaunchFailure 表示确认等待期之后工作进程未存活
	ErrLaunchFailure = errors.New("worker not alive after launch")
)

// LogMode selects how the log sink is opened.
// LogMode 决定日志文件的打开方式。
type LogMode string

const (
	LogTruncate LogMode = "truncate"
	LogAppend   LogMode = "append"
)

// Default configuration values
// 默认配置值
const (
	// DefaultKillGrace is the wait between SIGTERM and SIGKILL on timeout
	// DefaultKillGrace 是超时后 SIGTERM 与 SIGKILL 之间的等待时间
	DefaultKillGrace = 10 * time.Second

	// DefaultLogTailLines is the number of log lines attached to launch failures
	// DefaultLogTailLines 是启动失败时附带的日志行数
	DefaultLogTailLines = 50
)

// Spec describes the worker command.
// Spec 描述工作进程命令。
type Spec struct {
	Command    []string
	Dir        string
	Env        []string // extra KEY=VALUE entries
	LogFile    string
	LogMode    LogMode
	MaxRuntime time.Duration // 0 disables the deadline
	KillGrace  time.Duration
}

// LaunchError is returned by Confirm with the tail of the worker's log.
// LaunchError 由 Confirm 返回，附带工作进程日志的末尾部分。
type LaunchError struct {
	PID      int
	ExitCode int
	LogTail  string
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("worker (pid %d) not alive after launch", e.PID)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s, exit code %d", msg, e.ExitCode)
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return ErrLaunchFailure
}

// Launcher spawns workers from a fixed Spec.
// Launcher 根据固定的 Spec 启动工作进程。
type Launcher struct {
	spec   Spec
	clock  clock.Clock
	prober Prober
	logger *zap.Logger
}

// NewLauncher creates a launcher. A nil clock means the real clock.
// NewLauncher 创建启动器，clock 为 nil 时使用真实时钟。
func NewLauncher(spec Spec, clk clock.Clock, logger *zap.Logger) *Launcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec.LogMode == "" {
		spec.LogMode = LogTruncate
	}
	return &Launcher{
		spec:   spec,
		clock:  clk,
		prober: PsutilProber{},
		logger: logger,
	}
}

// SetProber replaces the PID liveness probe.
// SetProber 替换 PID 存活探测器。
func (l *Launcher) SetProber(p Prober) {
	if p != nil {
		l.prober = p
	}
}

// Spec returns the launcher's spec.
func (l *Launcher) Spec() Spec {
	return l.spec
}

// Launch starts the worker and returns immediately. The worker gets its own
// session so it outlives the supervisor. Its exit is collected by a reaper
// goroutine and exposed through the Handle.
// Launch 启动工作进程并立即返回。工作进程拥有独立会话，监督器退出后仍可继续运行。
func (l *Launcher) Launch(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(l.spec.Command) == 0 || strings.TrimSpace(l.spec.Command[0]) == "" {
		return nil, ErrEmptyCommand
	}

	logFile, err := openLogSink(l.spec.LogFile, l.spec.LogMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	// exec.Command rather than CommandContext: cancelling ctx must not kill the worker
	// 使用 exec.Command：取消 ctx 不应终止工作进程
	cmd := exec.Command(l.spec.Command[0], l.spec.Command[1:]...)
	cmd.Dir = l.spec.Dir
	cmd.Env = append(os.Environ(), l.spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		l.logger.Error("Failed to start worker",
			zap.Strings("command", l.spec.Command),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	// The child holds its own descriptor
	// 子进程持有自己的文件描述符
	logFile.Close()

	h := &Handle{
		runID:     uuid.NewString(),
		pid:       cmd.Process.Pid,
		startTime: l.clock.Now(),
		logPath:   l.spec.LogFile,
		cmd:       cmd,
		prober:    l.prober,
		exitCode:  -1,
		done:      make(chan struct{}),
	}

	if l.spec.MaxRuntime > 0 {
		h.deadline = h.startTime.Add(l.spec.MaxRuntime)
		h.timer = l.clock.AfterFunc(l.spec.MaxRuntime, func() { l.expire(h) })
	}

	go l.reap(h)

	l.logger.Info("Worker launched",
		zap.String("run_id", h.runID),
		zap.Int("pid", h.pid),
		zap.Strings("command", l.spec.Command),
		zap.String("log_file", l.spec.LogFile),
		zap.Duration("max_runtime", l.spec.MaxRuntime))
	return h, nil
}

// Confirm waits grace on the clock, then verifies the worker is still
// alive. A worker that exits during the grace fails immediately.
// Confirm 等待 grace 后确认工作进程仍然存活，等待期间退出会立即返回失败。
func (l *Launcher) Confirm(ctx context.Context, h *Handle, grace time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.Done():
	case <-l.clock.After(grace):
	}

	if h.Alive() {
		l.logger.Info("Worker confirmed alive",
			zap.String("run_id", h.runID),
			zap.Int("pid", h.pid),
			zap.Duration("grace", grace))
		return nil
	}

	// Give the reaper a moment to record the exit code
	// 等待回收协程记录退出码
	select {
	case <-h.Done():
	case <-time.After(100 * time.Millisecond):
	}

	tail, _ := LogTail(h.logPath, DefaultLogTailLines)
	err := &LaunchError{PID: h.pid, ExitCode: h.ExitCode(), LogTail: tail}
	l.logger.Error("Worker failed to start",
		zap.String("run_id", h.runID),
		zap.Int("pid", h.pid),
		zap.Int("exit_code", err.ExitCode),
		zap.String("log_tail", tail))
	return err
}

// reap waits for the worker so it never lingers as a zombie.
func (l *Launcher) reap(h *Handle) {
	waitErr := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exitCode = code
	h.exitedAt = l.clock.Now()
	h.waitErr = waitErr
	timedOut := h.timedOut
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.mu.Unlock()
	close(h.done)

	l.logger.Info("Worker exited",
		zap.String("run_id", h.runID),
		zap.Int("pid", h.pid),
		zap.Int("exit_code", code),
		zap.Bool("timed_out", timedOut),
		zap.Duration("runtime", h.exitedAt.Sub(h.startTime)))
}

// expire enforces max_runtime: SIGTERM to the group, SIGKILL after the grace.
// expire 执行最大运行时长限制：先发送 SIGTERM，宽限期后发送 SIGKILL。
func (l *Launcher) expire(h *Handle) {
	if h.Exited() {
		return
	}
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()

	l.logger.Warn("Worker exceeded max runtime, terminating",
		zap.String("run_id", h.runID),
		zap.Int("pid", h.pid),
		zap.Duration("max_runtime", l.spec.MaxRuntime),
		zap.Duration("kill_grace", l.spec.KillGrace))

	if err := h.Terminate(); err != nil {
		l.logger.Warn("Failed to send SIGTERM", zap.Int("pid", h.pid), zap.Error(err))
	}

	kill := func() {
		if h.Exited() {
			return
		}
		l.logger.Warn("Worker ignored SIGTERM, killing", zap.Int("pid", h.pid))
		if err := h.Kill(); err != nil {
			l.logger.Warn("Failed to send SIGKILL", zap.Int("pid", h.pid), zap.Error(err))
		}
	}

	if l.spec.KillGrace <= 0 {
		kill()
		return
	}
	t := l.clock.AfterFunc(l.spec.KillGrace, kill)
	h.mu.Lock()
	h.killTimer = t
	h.mu.Unlock()
}

func openLogSink(path string, mode LogMode) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	switch mode {
	case LogAppend:
		flags |= os.O_APPEND
	default:
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
