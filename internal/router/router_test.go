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

package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/events"
	"github.com/pipekeeper/pipekeeper/internal/history"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/pipekeeper/pipekeeper/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubStatus struct {
	st supervisor.Status
}

func (s stubStatus) Status(context.Context) supervisor.Status { return s.st }

type stubRuns struct {
	runs  []*history.Run
	err   error
	asked int
}

func (s *stubRuns) Recent(_ context.Context, n int) ([]*history.Run, error) {
	s.asked = n
	return s.runs, s.err
}

func get(t *testing.T, engine http.Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthz_OKWhileHolding(t *testing.T) {
	engine := NewEngine(Deps{Status: stubStatus{supervisor.Status{Holding: true}}})
	rec, resp := get(t, engine, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, true, data["holding"])
}

func TestStatus_ReturnsSnapshot(t *testing.T) {
	st := supervisor.Status{
		Mode:    "perpetual",
		Ready:   true,
		Worker:  monitor.Snapshot{State: monitor.StateRunning, PID: 4242, Launches: 3, Restarts: 2},
		Missing: nil,
	}
	engine := NewEngine(Deps{Status: stubStatus{st}})
	rec, resp := get(t, engine, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "perpetual", data["mode"])
	worker := data["worker"].(map[string]interface{})
	assert.Equal(t, "running", worker["state"])
	assert.EqualValues(t, 4242, worker["pid"])
	assert.EqualValues(t, 2, worker["restarts"])
}

func TestStatus_Unavailable(t *testing.T) {
	rec, resp := get(t, NewEngine(Deps{}), "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, resp.ErrorMsg)
}

func TestRuns(t *testing.T) {
	code := 1
	runs := &stubRuns{runs: []*history.Run{{RunID: "a", Outcome: history.OutcomeExited, ExitCode: &code}}}
	engine := NewEngine(Deps{Runs: runs})

	rec, resp := get(t, engine, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, history.DefaultRecentLimit, runs.asked)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["total"])

	rec, _ = get(t, engine, "/runs?n=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.asked)

	rec, _ = get(t, engine, "/runs?n=1000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runs.err = errors.New("database is locked")
	rec, resp = get(t, engine, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "database is locked", resp.ErrorMsg)
}

func TestRuns_HistoryDisabled(t *testing.T) {
	rec, _ := get(t, NewEngine(Deps{}), "/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEvents(t *testing.T) {
	bus := events.NewBus(config.EventsConfig{Buffer: 10}, nil)
	bus.Handle(monitor.Event{Type: monitor.EventStarted, RunID: "r1", PID: 7})
	bus.Handle(monitor.Event{Type: monitor.EventExited, RunID: "r1", PID: 7, ExitCode: 1})
	engine := NewEngine(Deps{Events: bus})

	rec, resp := get(t, engine, "/events?n=1")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["total"])
	assert.Equal(t, []interface{}{"memory"}, data["stores"])
	first := data["events"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "exited", first["type"])

	rec, _ = get(t, engine, "/events?n=0")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = get(t, engine, "/events?n=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, NewEngine(Deps{}), "/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.SetHolding(true)
	engine := NewEngine(Deps{Metrics: m.Handler()})
	rec, _ := get(t, engine, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipekeeper_supervisor_holding 1")

	rec, _ = get(t, NewEngine(Deps{}), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewEngine(Deps{}), nil)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, open := <-srv.Errors()
	assert.False(t, open)
}

func TestServer_BindError(t *testing.T) {
	first := NewServer("127.0.0.1:0", NewEngine(Deps{}), nil)
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	second := NewServer(first.Addr(), NewEngine(Deps{}), nil)
	assert.Error(t, second.Start())
}
