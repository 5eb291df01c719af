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

import "errors"

// Error definitions for run history operations.
// 运行历史操作的错误定义。
var (
	// ErrRunNotFound indicates the requested run does not exist.
	// ErrRunNotFound 表示请求的运行记录不存在。
	ErrRunNotFound = errors.New("history: run not found")
	// ErrRunIDEmpty indicates the run ID is empty.
	// ErrRunIDEmpty 表示运行 ID 为空。
	ErrRunIDEmpty = errors.New("history: run ID cannot be empty")
	// ErrRunIDDuplicate indicates a run with the same ID already exists.
	// ErrRunIDDuplicate 表示相同运行 ID 的记录已存在。
	ErrRunIDDuplicate = errors.New("history: run ID already exists")
)
