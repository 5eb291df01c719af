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

// Package supervisor runs the readiness gate, launches the worker and keeps
// it alive, holding the container open when it cannot.
// supervisor 包负责就绪检查、启动工作进程并保持其存活，无法完成时保持容器运行。
//
// This package provides:
// 此包提供：
// - Perpetual and fire-and-forget supervising modes / 常驻与一次性两种监督模式
// - Hold semantics on unrecoverable failures / 不可恢复失败时的保持语义
// - Status snapshots for the status server / 供状态服务使用的状态快照
package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/clock"
	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/pipekeeper/pipekeeper/internal/otel_trace"
	"github.com/pipekeeper/pipekeeper/internal/process"
	"github.com/pipekeeper/pipekeeper/internal/readiness"
	"github.com/pipekeeper/pipekeeper/internal/restart"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ExitCode is the supervisor's process exit status.
// ExitCode 是监督器进程的退出码。
type ExitCode int

const (
	// ExitOK: worker confirmed, hold released, or shutdown requested
	// ExitOK：工作进程已确认、保持被释放或收到关闭信号
	ExitOK ExitCode = 0
	// ExitLaunchFailed: fire-and-forget worker did not survive the grace
	// ExitLaunchFailed：一次性模式下工作进程未能存活过确认期
	ExitLaunchFailed ExitCode = 1
	// ExitNotReady: readiness failed and hold is disabled
	// ExitNotReady：就绪检查失败且未启用保持
	ExitNotReady ExitCode = 2
	// ExitGaveUp: restart budget exhausted and hold is disabled
	// ExitGaveUp：重启预算用尽且未启用保持
	ExitGaveUp ExitCode = 3
)

// Options carries the injectable collaborators. Zero values are replaced
// with working defaults.
// Options 包含可注入的依赖，零值会被替换为默认实现。
type Options struct {
	Clock    clock.Clock
	Logger   *zap.Logger
	Tracing  *otel_trace.Tracing
	Metrics  *metrics.Metrics
	Lookup   readiness.LookupFunc
	Prober   process.Prober
	Handlers []monitor.EventHandler
}

// Status is the supervisor state served on /status.
// Status 是 /status 返回的监督器状态。
type Status struct {
	Mode       string                     `json:"mode"`
	Ready      bool                       `json:"ready"`
	Holding    bool                       `json:"holding"`
	HoldReason string                     `json:"hold_reason,omitempty"`
	HoldSince  *time.Time                 `json:"hold_since,omitempty"`
	Missing    []string                   `json:"missing,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
	Credential readiness.CredentialStatus `json:"credential,omitempty"`
	Worker     monitor.Snapshot           `json:"worker"`
	Usage      *process.Usage             `json:"usage,omitempty"`
}

// Supervisor owns one supervising session.
// Supervisor 负责一次完整的监督会话。
type Supervisor struct {
	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	tracing  *otel_trace.Tracing
	metrics  *metrics.Metrics
	gate     *readiness.Gate
	launcher *process.Launcher
	handlers []monitor.EventHandler

	mu         sync.RWMutex
	report     *readiness.Report
	ready      bool
	holding    bool
	holdReason string
	holdSince  time.Time
	monitor    *monitor.Monitor
	current    *process.Handle
}

// New builds a supervisor from a validated configuration.
// New 根据已校验的配置创建监督器。
func New(cfg *config.Config, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracing == nil {
		opts.Tracing = otel_trace.Noop()
	}

	reqs := make([]readiness.Requirement, 0)
	for _, r := range cfg.Requirements() {
		reqs = append(reqs, readiness.Requirement{Name: r.Name, Fatal: r.Fatal})
	}
	cred := readiness.CredentialSource{
		EnvVar:    cfg.Readiness.Credential.Env,
		Path:      cfg.Readiness.Credential.Path,
		Mandatory: cfg.Readiness.Credential.Mandatory,
	}
	gate := readiness.NewGate(reqs, cred, []string{cfg.Readiness.DataDir}, opts.Logger.Named("readiness"))
	if opts.Lookup != nil {
		gate.SetLookup(opts.Lookup)
	}

	launcher := process.NewLauncher(process.Spec{
		Command:    cfg.Worker.Command,
		Dir:        cfg.Worker.Dir,
		Env:        cfg.Worker.Env,
		LogFile:    cfg.Worker.LogFile,
		LogMode:    process.LogMode(cfg.Worker.LogMode),
		MaxRuntime: cfg.Worker.MaxRuntime,
		KillGrace:  cfg.Worker.KillGrace,
	}, opts.Clock, opts.Logger.Named("process"))
	if opts.Prober != nil {
		launcher.SetProber(opts.Prober)
	}

	s := &Supervisor{
		cfg:      cfg,
		clock:    opts.Clock,
		logger:   opts.Logger,
		tracing:  opts.Tracing,
		metrics:  opts.Metrics,
		gate:     gate,
		launcher: launcher,
	}
	if s.metrics != nil {
		s.handlers = append(s.handlers, s.metrics.Observe)
	}
	for _, h := range opts.Handlers {
		if h != nil {
			s.handlers = append(s.handlers, h)
		}
	}
	return s
}

// Gate returns the readiness gate.
func (s *Supervisor) Gate() *readiness.Gate {
	return s.gate
}

// Run supervises until the worker is confirmed (fire-and-forget), the
// restart policy gives up, or ctx is cancelled. The returned error is the
// underlying failure, if any; the exit code is authoritative.
// Run 执行监督流程，返回的退出码决定进程退出状态，error 为底层失败原因。
func (s *Supervisor) Run(ctx context.Context) (ExitCode, error) {
	s.logger.Info("Supervisor starting",
		zap.String("mode", s.cfg.Supervisor.Mode),
		zap.Strings("command", s.cfg.Worker.Command),
		zap.Bool("hold_on_failure", s.cfg.Supervisor.HoldOnFailure))

	if s.cfg.Supervisor.EnvFile != "" {
		if err := readiness.LoadEnvFile(s.cfg.Supervisor.EnvFile); err != nil {
			s.logger.Warn("Env file not loaded",
				zap.String("path", s.cfg.Supervisor.EnvFile),
				zap.Error(err))
		}
	}

	if err := s.checkReadiness(ctx); err != nil {
		if s.cfg.Supervisor.HoldOnFailure {
			s.hold(ctx, "readiness check failed: "+err.Error())
			return ExitOK, err
		}
		return ExitNotReady, err
	}

	if s.cfg.Supervisor.Mode == config.ModeFireAndForget {
		return s.fireAndForget(ctx)
	}
	return s.perpetual(ctx)
}

func (s *Supervisor) checkReadiness(ctx context.Context) error {
	_, span := s.tracing.Start(ctx, "readiness.check")
	defer span.End()

	report, err := s.gate.Check()

	s.mu.Lock()
	s.report = report
	s.ready = err == nil
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not ready")
		var missing *readiness.MissingInputsError
		if errors.As(err, &missing) {
			s.logger.Error("Missing required environment variables",
				zap.Strings("missing", missing.Names))
		}
		if errors.Is(err, readiness.ErrCredentialUnavailable) {
			s.logger.Error("Credential unavailable",
				zap.String("path", s.cfg.Readiness.Credential.Path),
				zap.String("env", s.cfg.Readiness.Credential.Env))
		}
		return err
	}
	span.SetAttributes(attribute.Int("requirements", len(report.Items)))
	return nil
}

// launch starts one worker. attempt is 0 for the first launch.
func (s *Supervisor) launch(ctx context.Context, attempt int) (*process.Handle, error) {
	ctx, span := s.tracing.Start(ctx, "worker.launch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("command", strings.Join(s.cfg.Worker.Command, " ")),
	)

	h, err := s.launcher.Launch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("pid", h.PID()), attribute.String("run_id", h.RunID()))

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
	return h, nil
}

func (s *Supervisor) perpetual(ctx context.Context) (ExitCode, error) {
	policy := restart.Policy{
		MaxRestarts: s.cfg.Restart.MaxRestarts,
		Backoff:     s.cfg.Restart.Backoff,
		On:          restart.Trigger(s.cfg.Restart.On),
	}
	launch := func(ctx context.Context, attempt int) (monitor.Worker, error) {
		h, err := s.launch(ctx, attempt)
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	m := monitor.New(launch, policy, s.cfg.Supervisor.PollInterval, s.clock, s.logger.Named("monitor"))
	for _, h := range s.handlers {
		m.OnEvent(h)
	}
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()

	err := m.Run(ctx)
	if ctx.Err() != nil {
		s.logger.Info("Shutdown requested, worker left running", zap.Int("pid", m.Snapshot().PID))
		return ExitOK, nil
	}

	snap := m.Snapshot()
	s.logger.Error("Worker will not be restarted",
		zap.Int("launches", snap.Launches),
		zap.Int("restarts", snap.Restarts),
		zap.Int("last_exit_code", snap.LastExitCode),
		zap.Error(err))

	if s.cfg.Supervisor.HoldOnFailure {
		s.hold(ctx, "worker will not be restarted: "+err.Error())
		return ExitOK, err
	}
	if errors.Is(err, monitor.ErrWorkerCompleted) {
		return ExitOK, err
	}
	return ExitGaveUp, err
}

func (s *Supervisor) fireAndForget(ctx context.Context) (ExitCode, error) {
	h, err := s.launch(ctx, 0)
	if err != nil {
		s.emit(monitor.Event{Type: monitor.EventLaunchFailed, ExitCode: -1, Err: err})
		s.logger.Error("Worker launch failed", zap.Error(err))
		return ExitLaunchFailed, err
	}
	s.emit(monitor.Event{Type: monitor.EventStarted, RunID: h.RunID(), PID: h.PID(), ExitCode: -1})

	cctx, span := s.tracing.Start(ctx, "worker.confirm")
	span.SetAttributes(attribute.Int("pid", h.PID()))
	err = s.launcher.Confirm(cctx, h, s.cfg.Supervisor.ConfirmGrace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not confirmed")
	}
	span.End()

	if err != nil {
		if ctx.Err() != nil {
			s.logger.Warn("Shutdown requested before the worker was confirmed, worker left running",
				zap.String("run_id", h.RunID()),
				zap.Int("pid", h.PID()))
			return ExitLaunchFailed, err
		}
		evType := monitor.EventExited
		if h.TimedOut() {
			evType = monitor.EventTimedOut
		}
		s.emit(monitor.Event{Type: evType, RunID: h.RunID(), PID: h.PID(), ExitCode: h.ExitCode()})
		var launchErr *process.LaunchError
		if errors.As(err, &launchErr) && launchErr.LogTail != "" {
			s.logger.Error("Worker log tail", zap.String("log_tail", launchErr.LogTail))
		}
		return ExitLaunchFailed, err
	}

	s.logger.Info("Worker confirmed, supervisor exiting",
		zap.String("run_id", h.RunID()),
		zap.Int("pid", h.PID()))
	return ExitOK, nil
}

// emit forwards events produced outside the monitor (fire-and-forget).
func (s *Supervisor) emit(ev monitor.Event) {
	ev.Timestamp = s.clock.Now()
	for _, h := range s.handlers {
		h(ev)
	}
}

// hold blocks until ctx is done, logging a reminder every hold_log_interval.
// hold 阻塞直到 ctx 结束，并按 hold_log_interval 周期输出提醒日志。
func (s *Supervisor) hold(ctx context.Context, reason string) {
	since := s.clock.Now()
	s.setHolding(true, reason, since)
	defer s.setHolding(false, "", time.Time{})

	s.logger.Error("Holding container open for inspection; fix the problem and redeploy",
		zap.String("reason", reason))

	interval := s.cfg.Supervisor.HoldLogInterval
	if interval <= 0 {
		interval = config.DefaultHoldLogInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Hold released by shutdown signal")
			return
		case <-ticker.C():
			s.logger.Warn("Still holding",
				zap.String("reason", reason),
				zap.Duration("held_for", s.clock.Now().Sub(since)))
		}
	}
}

func (s *Supervisor) setHolding(holding bool, reason string, since time.Time) {
	s.mu.Lock()
	s.holding = holding
	s.holdReason = reason
	s.holdSince = since
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetHolding(holding)
	}
}

// Status returns the current supervisor state, sampling worker usage when
// a worker is alive.
// Status 返回当前监督器状态，工作进程存活时附带资源使用情况。
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.RLock()
	st := Status{
		Mode:       s.cfg.Supervisor.Mode,
		Ready:      s.ready,
		Holding:    s.holding,
		HoldReason: s.holdReason,
	}
	if s.holding {
		since := s.holdSince
		st.HoldSince = &since
	}
	if s.report != nil {
		st.Missing = append([]string(nil), s.report.Missing...)
		st.Warnings = append([]string(nil), s.report.Warnings...)
		st.Credential = s.report.Credential
	}
	m := s.monitor
	h := s.current
	s.mu.RUnlock()

	switch {
	case m != nil:
		st.Worker = m.Snapshot()
	case h != nil:
		st.Worker = handleSnapshot(h)
	default:
		st.Worker = monitor.Snapshot{State: monitor.StateNotStarted, LastExitCode: -1}
	}

	if h != nil && h.Alive() {
		if usage, err := h.Usage(ctx); err == nil {
			st.Usage = &usage
			if s.metrics != nil {
				s.metrics.SetUsage(usage.RSSBytes, usage.CPUPercent)
			}
		}
	}
	return st
}

func handleSnapshot(h *process.Handle) monitor.Snapshot {
	snap := monitor.Snapshot{
		State:        monitor.StateRunning,
		RunID:        h.RunID(),
		PID:          h.PID(),
		StartTime:    h.StartTime(),
		Launches:     1,
		LastExitCode: -1,
	}
	if h.Exited() {
		snap.State = monitor.StateExited
		if h.TimedOut() {
			snap.State = monitor.StateTimedOut
		}
		snap.LastExitCode = h.ExitCode()
		snap.LastExitAt = h.ExitedAt()
	}
	return snap
}
