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

package process

import (
	"context"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Prober checks whether a PID refers to a live process.
// Prober 检查 PID 是否对应存活的进程。
type Prober interface {
	Alive(ctx context.Context, pid int) bool
}

// PsutilProber probes through gopsutil. Zombies count as dead.
// PsutilProber 基于 gopsutil 探测进程，僵尸进程视为已退出。
type PsutilProber struct{}

// Alive implements Prober.
func (PsutilProber) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := psprocess.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// Status is not available everywhere; existence is enough then
		// 部分平台无法获取状态，此时以存在为准
		return true
	}
	for _, s := range status {
		if s == psprocess.Zombie {
			return false
		}
	}
	return true
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, pid int) bool

// Alive implements Prober.
func (f ProberFunc) Alive(ctx context.Context, pid int) bool {
	return f(ctx, pid)
}
