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

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock.
// Timers fire only when Advance moves the current time past their deadline.
// AfterFunc callbacks run synchronously inside Advance, outside the lock.
// Fake 是手动推进的时钟，只有调用 Advance 时定时器才会触发。
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	seq     uint64
	waiters []*waiter
}

type waiter struct {
	id      uint64
	at      time.Time
	period  time.Duration
	ch      chan time.Time
	fn      func()
	stopped bool
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the fake time has advanced by d.
// A non-positive duration fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.add(&waiter{at: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules fn to run when the fake time has advanced by d.
// A non-positive duration runs fn immediately on the calling goroutine.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	if d <= 0 {
		fn()
		return &fakeTimer{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{at: f.now.Add(d), fn: fn}
	f.add(w)
	return &fakeTimer{clock: f, w: w}
}

// NewTicker returns a ticker driven by Advance. Ticks that find the
// channel full are dropped, matching time.Ticker.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{at: f.now.Add(d), period: d, ch: ch}
	f.add(w)
	return &fakeTicker{clock: f, w: w}
}

// Advance moves the fake time forward by d and fires every timer whose
// deadline falls inside the window, in deadline order.
// Advance 将时间向前推进 d，并按截止时间顺序触发到期的定时器。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.nextDue(target)
		if w == nil {
			break
		}
		f.now = w.at
		if w.ch != nil {
			select {
			case w.ch <- w.at:
			default:
			}
		}
		if w.period > 0 {
			w.at = w.at.Add(w.period)
		} else {
			w.stopped = true
			f.remove(w)
		}
		if w.fn != nil {
			fn := w.fn
			f.mu.Unlock()
			fn()
			f.mu.Lock()
		}
	}
	f.now = target
	f.mu.Unlock()
}

// BlockUntil waits until at least n timers or tickers are pending.
// Tests use it to make sure the code under test has armed its timer
// before advancing the clock.
// BlockUntil 阻塞直到至少有 n 个定时器处于等待状态。
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.cond.Wait()
	}
}

// Pending returns the number of armed timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) add(w *waiter) {
	f.seq++
	w.id = f.seq
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
}

func (f *Fake) remove(w *waiter) {
	for i, candidate := range f.waiters {
		if candidate == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// nextDue returns the earliest waiter due at or before target.
func (f *Fake) nextDue(target time.Time) *waiter {
	due := make([]*waiter, 0, len(f.waiters))
	for _, w := range f.waiters {
		if !w.stopped && !w.at.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

type fakeTimer struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTimer) Stop() bool {
	if t.clock == nil {
		return false
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped {
		return false
	}
	t.w.stopped = true
	t.clock.remove(t.w)
	return true
}

type fakeTicker struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if !t.w.stopped {
		t.w.stopped = true
		t.clock.remove(t.w)
	}
}
