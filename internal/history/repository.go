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
	"errors"
	"time"

	"gorm.io/gorm"
)

// DefaultRecentLimit is used when Recent is asked for a non-positive count.
const DefaultRecentLimit = 20

// Repository provides data access operations for Run records.
// Repository 提供运行记录的数据访问操作。
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new Repository instance.
// NewRepository 创建一个新的 Repository 实例。
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the runs table.
// Migrate 创建或更新运行记录表。
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Run{})
}

// Create inserts a new run.
// Create 插入新的运行记录。
// Returns ErrRunIDDuplicate if a run with the same run ID already exists.
// 如果运行 ID 已存在，则返回 ErrRunIDDuplicate。
func (r *Repository) Create(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		return ErrRunIDEmpty
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Run{}).Where("run_id = ?", run.RunID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrRunIDDuplicate
	}

	if run.Outcome == "" {
		run.Outcome = OutcomeRunning
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// Finish closes a running run with its outcome and exit code.
// Finish 以结果和退出码结束一条运行记录。
// Returns ErrRunNotFound if no run has the given ID.
// 如果运行记录不存在，则返回 ErrRunNotFound。
func (r *Repository) Finish(ctx context.Context, runID string, outcome Outcome, exitCode int, endedAt time.Time) error {
	if runID == "" {
		return ErrRunIDEmpty
	}
	result := r.db.WithContext(ctx).Model(&Run{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"outcome":   outcome,
			"exit_code": exitCode,
			"ended_at":  endedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Get retrieves a run by its run ID.
// Get 通过运行 ID 获取运行记录。
func (r *Repository) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// Recent returns the latest n runs, newest first.
// Recent 返回最近的 n 条运行记录，按时间倒序。
func (r *Repository) Recent(ctx context.Context, n int) ([]*Run, error) {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	var runs []*Run
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(n).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// CountByOutcome returns the number of runs per outcome.
// CountByOutcome 按结果统计运行次数。
func (r *Repository) CountByOutcome(ctx context.Context) (map[Outcome]int64, error) {
	var rows []struct {
		Outcome Outcome
		Total   int64
	}
	if err := r.db.WithContext(ctx).Model(&Run{}).
		Select("outcome, COUNT(*) AS total").
		Group("outcome").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[Outcome]int64, len(rows))
	for _, row := range rows {
		out[row.Outcome] = row.Total
	}
	return out, nil
}
