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

// Package readiness verifies that the environment is fit to launch the
// worker: required variables are present, working directories exist and
// the credential file is materialized.
// readiness 包在启动工作进程之前检查运行环境：必需的环境变量、工作目录以及凭证文件。
package readiness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Requirement is a named environment input. Fatal requirements block the
// launch when absent; the others only produce a warning.
// Requirement 表示一个环境变量需求，Fatal 为 true 时缺失会阻止启动。
type Requirement struct {
	Name  string `json:"name"`
	Fatal bool   `json:"fatal"`
}

// CredentialSource locates the credential: an inline base64 blob held in
// EnvVar, or an already existing file at Path.
// CredentialSource 指定凭证来源：EnvVar 中的 base64 内容或 Path 处已有的文件。
type CredentialSource struct {
	EnvVar    string `json:"env_var,omitempty"`
	Path      string `json:"path,omitempty"`
	Mandatory bool   `json:"mandatory"`
}

// Configured reports whether a credential location was declared.
func (c CredentialSource) Configured() bool {
	return c.Path != ""
}

// LookupFunc resolves an environment variable. It has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// CredentialStatus describes how the credential was resolved.
// CredentialStatus 描述凭证的解析结果。
type CredentialStatus string

const (
	CredentialNotConfigured CredentialStatus = "not_configured"
	CredentialDecoded       CredentialStatus = "decoded"
	CredentialExisting      CredentialStatus = "existing"
	CredentialUnavailable   CredentialStatus = "unavailable"
	CredentialInvalid       CredentialStatus = "invalid"
)

// Item is the evaluation of a single requirement.
type Item struct {
	Name    string `json:"name"`
	Fatal   bool   `json:"fatal"`
	Present bool   `json:"present"`
}

// Report is the outcome of a Check. It is returned even when the check fails
// so callers can show every problem at once.
// Report 是一次检查的结果，即使检查失败也会返回，便于一次性展示所有问题。
type Report struct {
	Items          []Item           `json:"items"`
	Missing        []string         `json:"missing,omitempty"`
	Warnings       []string         `json:"warnings,omitempty"`
	Credential     CredentialStatus `json:"credential"`
	CredentialPath string           `json:"credential_path,omitempty"`
}

// Gate evaluates requirements, directories and the credential.
// Gate 负责检查环境变量需求、目录以及凭证。
type Gate struct {
	requirements []Requirement
	credential   CredentialSource
	dirs         []string
	lookup       LookupFunc
	logger       *zap.Logger
}

// NewGate creates a readiness gate. dirs are created before anything is
// evaluated; the credential's parent directory is added automatically.
// NewGate 创建就绪检查器，dirs 会在检查前被创建。
func NewGate(requirements []Requirement, credential CredentialSource, dirs []string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	all := append([]string(nil), dirs...)
	if credential.Configured() {
		all = append(all, filepath.Dir(credential.Path))
	}
	return &Gate{
		requirements: append([]Requirement(nil), requirements...),
		credential:   credential,
		dirs:         all,
		lookup:       os.LookupEnv,
		logger:       logger,
	}
}

// SetLookup replaces the environment lookup, mainly for tests.
// SetLookup 替换环境变量查找函数（主要用于测试）。
func (g *Gate) SetLookup(fn LookupFunc) {
	if fn != nil {
		g.lookup = fn
	}
}

// Requirements returns the declared requirements in declaration order.
func (g *Gate) Requirements() []Requirement {
	return append([]Requirement(nil), g.requirements...)
}

// Check creates the working directories, then evaluates every requirement
// and the credential. The returned error combines a *MissingInputsError,
// directory failures and, when mandatory, the credential failure.
// Check 先创建工作目录，再检查所有需求和凭证，返回的错误合并了所有致命问题。
func (g *Gate) Check() (*Report, error) {
	report := &Report{Credential: CredentialNotConfigured}
	var errs error

	for _, dir := range g.dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	for _, req := range g.requirements {
		present := g.present(req.Name)
		report.Items = append(report.Items, Item{Name: req.Name, Fatal: req.Fatal, Present: present})
		if present {
			continue
		}
		if req.Fatal {
			report.Missing = append(report.Missing, req.Name)
		} else {
			report.Warnings = append(report.Warnings, fmt.Sprintf("optional environment variable %s is not set", req.Name))
		}
	}
	if len(report.Missing) > 0 {
		errs = multierr.Append(errs, &MissingInputsError{Names: report.Missing})
	}

	if g.credential.Configured() {
		report.CredentialPath = g.credential.Path
		status, err := g.resolveCredential()
		report.Credential = status
		if err != nil {
			if g.credential.Mandatory {
				errs = multierr.Append(errs, err)
			} else {
				report.Warnings = append(report.Warnings, err.Error())
			}
		}
	}

	for _, w := range report.Warnings {
		g.logger.Warn("Readiness warning", zap.String("warning", w))
	}
	if errs != nil {
		g.logger.Error("Readiness check failed",
			zap.Strings("missing", report.Missing),
			zap.String("credential", string(report.Credential)),
			zap.Error(errs))
		return report, errs
	}

	g.logger.Info("Readiness check passed",
		zap.Int("requirements", len(g.requirements)),
		zap.String("credential", string(report.Credential)))
	return report, nil
}

// present treats set-but-blank values as absent.
func (g *Gate) present(name string) bool {
	value, ok := g.lookup(name)
	return ok && strings.TrimSpace(value) != ""
}

func (g *Gate) resolveCredential() (CredentialStatus, error) {
	src := g.credential

	if src.EnvVar != "" {
		if raw, ok := g.lookup(src.EnvVar); ok && strings.TrimSpace(raw) != "" {
			data, err := DecodeCredential(raw)
			if err != nil {
				// Never fall back to a stale file when the blob is bad
				// 内联内容无效时不回退到旧文件
				return CredentialInvalid, &CredentialDecodeError{EnvVar: src.EnvVar, Err: err}
			}
			if err := writeFileAtomic(src.Path, data, 0600); err != nil {
				return CredentialUnavailable, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
			}
			g.logger.Info("Credential decoded",
				zap.String("env", src.EnvVar),
				zap.String("path", src.Path),
				zap.Int("bytes", len(data)))
			return CredentialDecoded, nil
		}
	}

	info, err := os.Stat(src.Path)
	if err == nil && info.Mode().IsRegular() {
		g.logger.Info("Using existing credential file", zap.String("path", src.Path))
		return CredentialExisting, nil
	}

	if src.EnvVar != "" {
		return CredentialUnavailable, fmt.Errorf("%w: %s is not set and %s does not exist",
			ErrCredentialUnavailable, src.EnvVar, src.Path)
	}
	return CredentialUnavailable, fmt.Errorf("%w: %s does not exist", ErrCredentialUnavailable, src.Path)
}
