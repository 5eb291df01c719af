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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/clock"
	"github.com/pipekeeper/pipekeeper/internal/restart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pollInterval = time.Second
	waitTimeout  = 5 * time.Second
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeWorker is a Worker whose liveness is controlled by the test.
// fakeWorker 是由测试控制存活状态的 Worker。
type fakeWorker struct {
	id       string
	pid      int
	start    time.Time
	dead     atomic.Bool
	timedOut atomic.Bool
	code     atomic.Int32
}

func (w *fakeWorker) RunID() string        { return w.id }
func (w *fakeWorker) PID() int             { return w.pid }
func (w *fakeWorker) StartTime() time.Time { return w.start }
func (w *fakeWorker) Alive() bool          { return !w.dead.Load() }
func (w *fakeWorker) TimedOut() bool       { return w.timedOut.Load() }
func (w *fakeWorker) ExitCode() int        { return int(w.code.Load()) }

func (w *fakeWorker) exit(code int) {
	w.code.Store(int32(code))
	w.dead.Store(true)
}

func (w *fakeWorker) timeout() {
	w.code.Store(-1)
	w.timedOut.Store(true)
	w.dead.Store(true)
}

// fakeLauncher hands out fakeWorkers and reports each launch on a channel.
// A nil value on the channel marks a failed launch.
type fakeLauncher struct {
	mu       sync.Mutex
	fails    int
	count    int
	launched chan *fakeWorker
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeWorker, 128)}
}

func (f *fakeLauncher) launch(ctx context.Context, attempt int) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.fails > 0 {
		f.fails--
		f.launched <- nil
		return nil, errors.New("spawn failed")
	}
	w := &fakeWorker{id: fmt.Sprintf("run-%d", f.count), pid: 1000 + f.count, start: epoch}
	w.code.Store(-1)
	f.launched <- w
	return w, nil
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type failer interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

func nextLaunch(t failer, f *fakeLauncher) *fakeWorker {
	t.Helper()
	select {
	case w := <-f.launched:
		return w
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for launch")
		return nil
	}
}

func assertNoLaunch(t *testing.T, f *fakeLauncher) {
	t.Helper()
	select {
	case <-f.launched:
		t.Fatal("unexpected launch")
	case <-time.After(100 * time.Millisecond):
	}
}

// eventLog collects events emitted by the monitor.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 256)}
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

type harness struct {
	clk      *clock.Fake
	launcher *fakeLauncher
	monitor  *Monitor
	events   *eventLog
	cancel   context.CancelFunc
	result   chan error
}

func startHarness(t *testing.T, policy restart.Policy, failFirst int) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.NewFake(epoch),
		launcher: newFakeLauncher(),
		events:   newEventLog(),
		result:   make(chan error, 1),
	}
	h.launcher.fails = failFirst
	h.monitor = New(h.launcher.launch, policy, pollInterval, h.clk, nil)
	h.monitor.OnEvent(h.events.handle)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.result <- h.monitor.Run(ctx) }()
	return h
}

// tick advances one poll interval once the ticker is armed.
func (h *harness) tick() {
	h.clk.BlockUntil(1)
	h.clk.Advance(pollInterval)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("monitor did not return")
		return nil
	}
}

func TestMonitor_RestartsAfterEveryExit(t *testing.T) {
	for _, exits := range []int{0, 1, 3, 7} {
		t.Run(fmt.Sprintf("exits=%d", exits), func(t *testing.T) {
			h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, On: restart.OnAlways}, 0)

			w := nextLaunch(t, h.launcher)
			for i := 0; i < exits; i++ {
				w.exit(i % 2)
				h.tick()
				w = nextLaunch(t, h.launcher)
			}

			// A live worker is left alone
			// 存活的工作进程不会被重启
			h.tick()
			assertNoLaunch(t, h.launcher)

			snap := h.monitor.Snapshot()
			assert.Equal(t, exits+1, snap.Launches)
			assert.Equal(t, exits, snap.Restarts)
			if exits > 0 {
				assert.Equal(t, epoch.Add(time.Duration(exits)*pollInterval), snap.LastRestart)
			} else {
				assert.True(t, snap.LastRestart.IsZero())
			}
			assert.Equal(t, StateRunning, snap.State)
			assert.Equal(t, w.PID(), snap.PID)

			h.cancel()
			assert.ErrorIs(t, h.wait(t), context.Canceled)
			assert.True(t, w.Alive(), "cancellation must not kill the worker")
		})
	}
}

func TestMonitor_StopsWhenBudgetExhausted(t *testing.T) {
	const budget = 3
	h := startHarness(t, restart.Policy{MaxRestarts: budget, On: restart.OnAlways}, 0)

	w := nextLaunch(t, h.launcher)
	for i := 0; i < budget; i++ {
		w.exit(1)
		h.tick()
		w = nextLaunch(t, h.launcher)
	}
	w.exit(1)
	h.tick()

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrRestartBudgetExhausted)
	assertNoLaunch(t, h.launcher)
	assert.Equal(t, budget+1, h.launcher.launches())

	snap := h.monitor.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, budget, snap.Restarts)
	assert.Equal(t, 1, snap.LastExitCode)
	assert.NotEmpty(t, snap.StopReason)

	types := h.events.types()
	assert.Equal(t, EventStopped, types[len(types)-1])
}

func TestMonitor_ZeroBudgetNeverRestarts(t *testing.T) {
	h := startHarness(t, restart.Policy{MaxRestarts: 0, On: restart.OnAlways}, 0)

	w := nextLaunch(t, h.launcher)
	w.exit(0)
	h.tick()

	assert.ErrorIs(t, h.wait(t), ErrRestartBudgetExhausted)
	assert.Equal(t, 1, h.launcher.launches())
}

func TestMonitor_TimedOutObservedWithinOnePoll(t *testing.T) {
	h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, On: restart.OnAlways}, 0)

	w := nextLaunch(t, h.launcher)
	w.timeout()
	h.tick()

	ev := h.events.waitFor(t, EventTimedOut)
	assert.Equal(t, w.RunID(), ev.RunID)
	assert.Equal(t, -1, ev.ExitCode)
	nextLaunch(t, h.launcher)
	h.events.waitFor(t, EventStarted)

	assert.Equal(t, []EventType{EventStarted, EventTimedOut, EventRestarting, EventStarted}, h.events.types())
}

func TestMonitor_LaunchFailureCountsAsExit(t *testing.T) {
	h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, On: restart.OnFailure}, 1)

	assert.Nil(t, nextLaunch(t, h.launcher))
	h.events.waitFor(t, EventLaunchFailed)
	assert.Equal(t, StateExited, h.monitor.Snapshot().State)

	h.tick()
	w := nextLaunch(t, h.launcher)
	require.NotNil(t, w)
	h.events.waitFor(t, EventStarted)

	assert.Equal(t, []EventType{EventLaunchFailed, EventRestarting, EventStarted}, h.events.types())
	assert.Equal(t, 1, h.monitor.Snapshot().Restarts)
}

func TestMonitor_OnFailureStopsAfterCleanExit(t *testing.T) {
	h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, On: restart.OnFailure}, 0)

	w := nextLaunch(t, h.launcher)
	w.exit(2)
	h.tick()
	w = nextLaunch(t, h.launcher)

	w.exit(0)
	h.tick()

	assert.ErrorIs(t, h.wait(t), ErrWorkerCompleted)
	assert.Equal(t, StateStopped, h.monitor.Snapshot().State)
}

func TestMonitor_HonoursBackoff(t *testing.T) {
	backoff := 10 * time.Second
	h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, Backoff: backoff, On: restart.OnAlways}, 0)

	w := nextLaunch(t, h.launcher)
	w.exit(1)
	h.tick()

	// ticker plus the backoff timer
	// 轮询定时器加上退避定时器
	h.clk.BlockUntil(2)
	assert.Equal(t, StateRestarting, h.monitor.Snapshot().State)

	h.clk.Advance(backoff - time.Second)
	assertNoLaunch(t, h.launcher)

	h.clk.Advance(time.Second)
	nextLaunch(t, h.launcher)
}

func TestMonitor_CancelDuringBackoff(t *testing.T) {
	h := startHarness(t, restart.Policy{MaxRestarts: restart.Unlimited, Backoff: time.Hour, On: restart.OnAlways}, 0)

	w := nextLaunch(t, h.launcher)
	w.exit(1)
	h.tick()
	h.clk.BlockUntil(2)

	h.cancel()
	assert.ErrorIs(t, h.wait(t), context.Canceled)
	assert.Equal(t, 1, h.launcher.launches())
}

func TestMonitor_RunTwice(t *testing.T) {
	h := startHarness(t, restart.DefaultPolicy(), 0)
	nextLaunch(t, h.launcher)
	assert.ErrorIs(t, h.monitor.Run(context.Background()), ErrAlreadyStarted)
}
