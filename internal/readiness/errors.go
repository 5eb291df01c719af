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

package readiness

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCredentialUnavailable means neither the inline blob nor the file could
// provide the credential.
// ErrCredentialUnavailable 表示内联内容和文件均无法提供凭证。
var ErrCredentialUnavailable = errors.New("credential unavailable")

// MissingInputsError lists every fatal requirement that was absent or empty,
// in declaration order.
// MissingInputsError 按声明顺序列出所有缺失的必需环境变量。
type MissingInputsError struct {
	Names []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Names, ", "))
}

// CredentialDecodeError reports an inline credential blob that is not valid base64.
// CredentialDecodeError 表示内联凭证不是有效的 base64。
type CredentialDecodeError struct {
	EnvVar string
	Err    error
}

func (e *CredentialDecodeError) Error() string {
	return fmt.Sprintf("failed to decode credential from %s: %v", e.EnvVar, e.Err)
}

func (e *CredentialDecodeError) Unwrap() []error {
	return []error{ErrCredentialUnavailable, e.Err}
}
