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

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve_Lifecycle(t *testing.T) {
	m := New()

	m.Observe(monitor.Event{Type: monitor.EventStarted, RunID: "a", PID: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerUp))

	m.Observe(monitor.Event{Type: monitor.EventExited, RunID: "a", ExitCode: 1})
	m.Observe(monitor.Event{Type: monitor.EventRestarting, Attempt: 1})
	m.Observe(monitor.Event{Type: monitor.EventLaunchFailed, Attempt: 1, Err: errors.New("boom")})
	m.Observe(monitor.Event{Type: monitor.EventRestarting, Attempt: 2})
	m.Observe(monitor.Event{Type: monitor.EventStarted, RunID: "b", PID: 2})
	m.Observe(monitor.Event{Type: monitor.EventTimedOut, RunID: "b", ExitCode: -1})
	m.Observe(monitor.Event{Type: monitor.EventStopped})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.workerUp))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.launches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.restarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues(ReasonExited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues(ReasonTimedOut)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues(ReasonLaunchFailed)))
}

func TestSetHoldingAndUsage(t *testing.T) {
	m := New()
	m.SetHolding(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.holding))
	m.SetHolding(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.holding))

	m.SetUsage(2048, 12.5)
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.rssBytes))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.cpuPercent))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.Observe(monitor.Event{Type: monitor.EventStarted})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "pipekeeper_worker_up 1")
	assert.Contains(t, body, "pipekeeper_worker_launches_total 1")
	assert.Contains(t, body, "pipekeeper_supervisor_holding 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Observe(monitor.Event{Type: monitor.EventStarted})
	assert.Equal(t, 0.0, testutil.ToFloat64(b.launches))
}
