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

// Package history records one row per worker launch so operators can see
// what the supervisor did across restarts.
// history 包为每次工作进程启动记录一行，便于运维人员查看跨重启的监督记录。
package history

import (
	"time"
)

// Outcome is the final (or current) state of a run.
// Outcome 表示一次运行的最终（或当前）状态。
type Outcome string

const (
	// OutcomeRunning indicates the worker has not been seen to exit.
	// OutcomeRunning 表示尚未观察到工作进程退出。
	OutcomeRunning Outcome = "running"
	// OutcomeExited indicates the worker exited on its own.
	// OutcomeExited 表示工作进程自行退出。
	OutcomeExited Outcome = "exited"
	// OutcomeTimedOut indicates the worker was stopped at its max runtime.
	// OutcomeTimedOut 表示工作进程因超过最长运行时间被终止。
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeLaunchFailed indicates the worker could not be started.
	// OutcomeLaunchFailed 表示工作进程未能启动。
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// Run is one launch of the worker.
// Run 表示工作进程的一次启动。
type Run struct {
	ID        uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     string     `json:"run_id" gorm:"size:36;uniqueIndex;not null"`
	PID       int        `json:"pid"`
	Command   string     `json:"command" gorm:"size:1024"`
	Attempt   int        `json:"attempt" gorm:"not null;default:0"`
	Outcome   Outcome    `json:"outcome" gorm:"size:20;not null;index"`
	ExitCode  *int       `json:"exit_code"`
	Error     string     `json:"error,omitempty" gorm:"type:text"`
	StartedAt time.Time  `json:"started_at" gorm:"index"`
	EndedAt   *time.Time `json:"ended_at"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for the Run model.
// TableName 指定 Run 模型的表名。
func (Run) TableName() string {
	return "worker_runs"
}

// Duration returns how long the run lasted, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
