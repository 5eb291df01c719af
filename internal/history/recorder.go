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

package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"go.uber.org/zap"
)

// writeTimeout bounds a single history write so a slow database cannot
// stall the monitor goroutine for long.
const writeTimeout = 5 * time.Second

// Recorder turns monitor events into run rows. Write failures are logged
// and never returned to the monitor.
// Recorder 将监控事件写入运行记录，写入失败只记录日志，不影响监督流程。
type Recorder struct {
	repo    *Repository
	command string
	logger  *zap.Logger
}

// NewRecorder creates a Recorder. command is stored on every row.
// NewRecorder 创建 Recorder，command 会写入每条记录。
func NewRecorder(repo *Repository, command string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, command: command, logger: logger}
}

// Handle implements monitor.EventHandler.
// Handle 实现 monitor.EventHandler。
func (r *Recorder) Handle(ev monitor.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case monitor.EventStarted:
		err = r.repo.Create(ctx, &Run{
			RunID:     ev.RunID,
			PID:       ev.PID,
			Command:   r.command,
			Attempt:   ev.Attempt,
			Outcome:   OutcomeRunning,
			StartedAt: ev.Timestamp,
		})
	case monitor.EventExited:
		err = r.repo.Finish(ctx, ev.RunID, OutcomeExited, ev.ExitCode, ev.Timestamp)
	case monitor.EventTimedOut:
		err = r.repo.Finish(ctx, ev.RunID, OutcomeTimedOut, ev.ExitCode, ev.Timestamp)
	case monitor.EventLaunchFailed:
		// no process, so no run ID from the launcher
		code := ev.ExitCode
		ended := ev.Timestamp
		run := &Run{
			RunID:     uuid.NewString(),
			Command:   r.command,
			Attempt:   ev.Attempt,
			Outcome:   OutcomeLaunchFailed,
			ExitCode:  &code,
			StartedAt: ev.Timestamp,
			EndedAt:   &ended,
		}
		if ev.Err != nil {
			run.Error = ev.Err.Error()
		}
		err = r.repo.Create(ctx, run)
	default:
		return
	}

	if err != nil {
		r.logger.Warn("[History] failed to record run event",
			zap.String("event", string(ev.Type)),
			zap.String("run_id", ev.RunID),
			zap.Error(err))
	}
}
