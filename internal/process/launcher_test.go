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

//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

func newShellLauncher(t *testing.T, script string, mutate func(*Spec)) (*Launcher, *clock.Fake, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "logs", "worker.log")
	spec := Spec{
		Command:   []string{"/bin/sh", "-c", script},
		LogFile:   logFile,
		LogMode:   LogTruncate,
		KillGrace: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&spec)
	}
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewLauncher(spec, clk, nil), clk, logFile
}

func waitExit(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.Wait(ctx), "worker did not exit")
}

func killOnCleanup(t *testing.T, h *Handle) {
	t.Cleanup(func() {
		_ = h.Kill()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.Wait(ctx)
	})
}

func TestLaunch_CapturesOutputAndReapsExit(t *testing.T) {
	l, _, logFile := newShellLauncher(t, "echo hello; echo oops >&2; exit 3", nil)

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.NotEmpty(t, h.RunID())
	assert.True(t, h.Deadline().IsZero())

	waitExit(t, h)
	assert.Equal(t, 3, h.ExitCode())
	assert.False(t, h.Alive())
	assert.False(t, h.TimedOut())
	assert.False(t, h.ExitedAt().IsZero())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "oops")
}

func TestLaunch_TruncateAndAppend(t *testing.T) {
	l, _, logFile := newShellLauncher(t, "echo run", nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(logFile), 0755))
	require.NoError(t, os.WriteFile(logFile, []byte("previous\n"), 0644))

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	waitExit(t, h)
	data, _ := os.ReadFile(logFile)
	assert.Equal(t, "run\n", string(data))

	appender := NewLauncher(Spec{
		Command: []string{"/bin/sh", "-c", "echo again"},
		LogFile: logFile,
		LogMode: LogAppend,
	}, nil, nil)
	h, err = appender.Launch(context.Background())
	require.NoError(t, err)
	waitExit(t, h)
	data, _ = os.ReadFile(logFile)
	assert.Equal(t, "run\nagain\n", string(data))
}

func TestLaunch_PassesExtraEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	l, _, logFile := newShellLauncher(t, `echo "$PK_MARKER"; pwd`, func(s *Spec) {
		s.Env = []string{"PK_MARKER=xyz"}
		s.Dir = dir
	})

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	waitExit(t, h)

	data, _ := os.ReadFile(logFile)
	assert.Contains(t, string(data), "xyz")
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.True(t, strings.Contains(string(data), dir) || strings.Contains(string(data), resolved))
}

func TestLaunch_RunsInOwnSession(t *testing.T) {
	l, _, _ := newShellLauncher(t, "sleep 30", nil)

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)

	pgid, err := syscall.Getpgid(h.PID())
	require.NoError(t, err)
	assert.Equal(t, h.PID(), pgid)
	assert.NotEqual(t, syscall.Getpgrp(), pgid)
}

func TestLaunch_SurvivesContextCancel(t *testing.T) {
	l, _, _ := newShellLauncher(t, "sleep 30", nil)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := l.Launch(ctx)
	require.NoError(t, err)
	killOnCleanup(t, h)

	cancel()
	time.Sleep(200 * time.Millisecond)
	assert.True(t, h.Alive())
}

func TestLaunch_Errors(t *testing.T) {
	_, err := NewLauncher(Spec{}, nil, nil).Launch(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCommand)

	l := NewLauncher(Spec{
		Command: []string{filepath.Join(t.TempDir(), "does-not-exist")},
		LogFile: filepath.Join(t.TempDir(), "w.log"),
	}, nil, nil)
	_, err = l.Launch(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Launch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaunch_MaxRuntimeTerminatesWorker(t *testing.T) {
	l, clk, _ := newShellLauncher(t, "sleep 30", func(s *Spec) {
		s.MaxRuntime = time.Minute
	})

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)
	assert.Equal(t, h.StartTime().Add(time.Minute), h.Deadline())

	clk.Advance(59 * time.Second)
	assert.True(t, h.Alive())
	assert.False(t, h.TimedOut())

	clk.Advance(time.Second)
	waitExit(t, h)
	assert.True(t, h.TimedOut())
	assert.Equal(t, -1, h.ExitCode())
}

func TestLaunch_KillsAfterGraceWhenTermIgnored(t *testing.T) {
	l, clk, logFile := newShellLauncher(t, `trap "" TERM; echo ready; sleep 30`, func(s *Spec) {
		s.MaxRuntime = time.Minute
		s.KillGrace = 10 * time.Second
	})

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logFile)
		return strings.Contains(string(data), "ready")
	}, waitTimeout, 20*time.Millisecond)

	clk.Advance(time.Minute)
	time.Sleep(300 * time.Millisecond)
	assert.True(t, h.Alive(), "TERM should have been ignored")
	assert.True(t, h.TimedOut())

	clk.Advance(10 * time.Second)
	waitExit(t, h)
	assert.False(t, h.Alive())
}

func TestConfirm_AliveAfterGrace(t *testing.T) {
	l, clk, _ := newShellLauncher(t, "sleep 30", nil)

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)

	result := make(chan error, 1)
	go func() { result <- l.Confirm(context.Background(), h, 5*time.Second) }()

	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("confirm did not return")
	}
}

func TestConfirm_FailsWithLogTail(t *testing.T) {
	l, _, _ := newShellLauncher(t, "echo 'fatal: bad config' >&2; exit 2", nil)

	h, err := l.Launch(context.Background())
	require.NoError(t, err)

	err = l.Confirm(context.Background(), h, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunchFailure))

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, 2, launchErr.ExitCode)
	assert.Contains(t, launchErr.LogTail, "fatal: bad config")
}

func TestConfirm_ContextCancelled(t *testing.T) {
	l, _, _ := newShellLauncher(t, "sleep 30", nil)
	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Confirm(ctx, h, time.Hour), context.Canceled)
}

func TestPsutilProber(t *testing.T) {
	p := PsutilProber{}
	assert.True(t, p.Alive(context.Background(), os.Getpid()))
	assert.False(t, p.Alive(context.Background(), 0))
	assert.False(t, p.Alive(context.Background(), -5))
}

func TestHandle_TerminateStopsWorker(t *testing.T) {
	l, _, _ := newShellLauncher(t, "sleep 30", nil)
	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)
	require.True(t, h.Alive())

	require.NoError(t, h.Terminate())
	waitExit(t, h)

	assert.True(t, h.Exited())
	assert.False(t, h.Alive())
	assert.False(t, h.TimedOut())
	assert.NoError(t, h.Terminate(), "terminating an exited worker is a no-op")
}

func TestHandle_Usage(t *testing.T) {
	l, _, _ := newShellLauncher(t, "sleep 30", nil)
	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	killOnCleanup(t, h)

	u, err := h.Usage(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
}
