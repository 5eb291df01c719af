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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig tests configuration loading
// TestLoadConfig 测试配置加载
func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
supervisor:
  mode: fire-and-forget
  hold_on_failure: false
  poll_interval: 15s
  confirm_grace: 2s

worker:
  command: ["python", "-u", "pipeline.py"]
  log_file: /tmp/pipeline.log
  log_mode: append
  max_runtime: 30m
  env:
    - PYTHONUNBUFFERED=1

restart:
  max_restarts: 5
  backoff: 3s
  on: on-failure

readiness:
  data_dir: /tmp/data
  required: ["ANTHROPIC_API_KEY", "SLACK_WEBHOOK_URL"]
  optional: ["SLACK_SCORE_THRESHOLD"]
  credential:
    env: GOOGLE_CREDENTIALS_BASE64
    path: /tmp/credentials/google_service_account.json

log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeFireAndForget, cfg.Supervisor.Mode)
	assert.False(t, cfg.Supervisor.HoldOnFailure)
	assert.Equal(t, 15*time.Second, cfg.Supervisor.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.ConfirmGrace)
	assert.Equal(t, []string{"python", "-u", "pipeline.py"}, cfg.Worker.Command)
	assert.Equal(t, LogModeAppend, cfg.Worker.LogMode)
	assert.Equal(t, 30*time.Minute, cfg.Worker.MaxRuntime)
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1"}, cfg.Worker.Env)
	assert.Equal(t, 5, cfg.Restart.MaxRestarts)
	assert.Equal(t, 3*time.Second, cfg.Restart.Backoff)
	assert.Equal(t, RestartOnFailure, cfg.Restart.On)
	assert.Equal(t, "GOOGLE_CREDENTIALS_BASE64", cfg.Readiness.Credential.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join("/tmp/data", DefaultHistoryDBName), cfg.History.SQLitePath)

	assert.Equal(t, []RequirementConfig{
		{Name: "ANTHROPIC_API_KEY", Fatal: true},
		{Name: "SLACK_WEBHOOK_URL", Fatal: true},
		{Name: "SLACK_SCORE_THRESHOLD", Fatal: false},
	}, cfg.Requirements())
}

// TestLoadConfigDefaults tests default configuration values
// TestLoadConfigDefaults 测试默认配置值
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ModePerpetual, cfg.Supervisor.Mode)
	assert.True(t, cfg.Supervisor.HoldOnFailure)
	assert.Equal(t, DefaultPollInterval, cfg.Supervisor.PollInterval)
	assert.Equal(t, DefaultHoldLogInterval, cfg.Supervisor.HoldLogInterval)
	assert.Equal(t, []string{"python", "pipeline.py"}, cfg.Worker.Command)
	assert.Equal(t, DefaultLogFile, cfg.Worker.LogFile)
	assert.Equal(t, LogModeTruncate, cfg.Worker.LogMode)
	assert.Equal(t, time.Duration(0), cfg.Worker.MaxRuntime)
	assert.Equal(t, -1, cfg.Restart.MaxRestarts)
	assert.Equal(t, RestartOnAlways, cfg.Restart.On)
	assert.Equal(t, DefaultDataDir, cfg.Readiness.DataDir)
	assert.Empty(t, cfg.Requirements())
	assert.Equal(t, "", cfg.Status.Listen)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, DefaultEventBuffer, cfg.Events.Buffer)
	assert.False(t, cfg.Events.Redis.Enabled)
	assert.Equal(t, DefaultRedisChannel, cfg.Events.Redis.Channel)
	assert.NoError(t, cfg.Validate())
}

// TestLoadConfigEnvOverride tests PIPEKEEPER_* overrides
// TestLoadConfigEnvOverride 测试环境变量覆盖
func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PIPEKEEPER_SUPERVISOR_POLL_INTERVAL", "45s")
	t.Setenv("PIPEKEEPER_RESTART_MAX_RESTARTS", "7")
	t.Setenv("PIPEKEEPER_READINESS_REQUIRED", "ANTHROPIC_API_KEY,SLACK_WEBHOOK_URL GOOGLE_SHEETS_SPREADSHEET_ID")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Supervisor.PollInterval)
	assert.Equal(t, 7, cfg.Restart.MaxRestarts)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "SLACK_WEBHOOK_URL", "GOOGLE_SHEETS_SPREADSHEET_ID"}, cfg.Readiness.Required)
}

// TestLoadWithPriority tests that command line arguments win
// TestLoadWithPriority 测试命令行参数优先级最高
func TestLoadWithPriority(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("supervisor:\n  mode: perpetual\nrestart:\n  max_restarts: 2\n"), 0644))
	t.Setenv("PIPEKEEPER_RESTART_MAX_RESTARTS", "4")

	cfg, err := LoadWithPriority(configPath, map[string]interface{}{
		"supervisor.mode":      ModeFireAndForget,
		"restart.max_restarts": 9,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeFireAndForget, cfg.Supervisor.Mode)
	assert.Equal(t, 9, cfg.Restart.MaxRestarts)
}

// TestLoadConfigInvalidFile tests that a malformed file is rejected
// TestLoadConfigInvalidFile 测试无效配置文件
func TestLoadConfigInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("supervisor: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

// TestExampleConfig loads the shipped example configuration
// TestExampleConfig 加载随附的示例配置
func TestExampleConfig(t *testing.T) {
	cfg, err := LoadWithPriority(filepath.Join("..", "..", "config.example.yaml"), nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Minute, cfg.Worker.MaxRuntime)
	assert.Equal(t, DefaultKillGrace, cfg.Worker.KillGrace)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "SLACK_WEBHOOK_URL", "GOOGLE_SHEETS_SPREADSHEET_ID"}, cfg.Readiness.Required)
	assert.Equal(t, "GOOGLE_CREDENTIALS_BASE64", cfg.Readiness.Credential.Env)
}

// TestValidateConfig tests configuration validation
// TestValidateConfig 测试配置验证
func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFromYAML([]byte("readiness:\n  required: [A]\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "unknown mode", mutate: func(c *Config) { c.Supervisor.Mode = "forever" }, errMsg: "invalid supervisor.mode"},
		{name: "poll interval too short", mutate: func(c *Config) { c.Supervisor.PollInterval = 100 * time.Millisecond }, errMsg: "poll_interval"},
		{name: "empty command", mutate: func(c *Config) { c.Worker.Command = nil }, errMsg: "worker.command is required"},
		{name: "blank command", mutate: func(c *Config) { c.Worker.Command = []string{" "} }, errMsg: "worker.command is required"},
		{name: "bad log mode", mutate: func(c *Config) { c.Worker.LogMode = "rotate" }, errMsg: "invalid worker.log_mode"},
		{name: "bad env entry", mutate: func(c *Config) { c.Worker.Env = []string{"NOVALUE"} }, errMsg: "invalid worker.env entry"},
		{name: "bad restart trigger", mutate: func(c *Config) { c.Restart.On = "never" }, errMsg: "invalid restart.on"},
		{name: "duplicate requirement", mutate: func(c *Config) { c.Readiness.Optional = []string{"A"} }, errMsg: "duplicate readiness requirement: A"},
		{name: "invalid log level", mutate: func(c *Config) { c.Log.Level = "trace" }, errMsg: "invalid log level"},
		{name: "unsupported history", mutate: func(c *Config) { c.History.Type = "oracle" }, errMsg: "unsupported history.type"},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.Buffer = 0 }, errMsg: "events.buffer"},
		{name: "redis without channel", mutate: func(c *Config) { c.Events.Redis.Enabled = true; c.Events.Redis.Channel = "" }, errMsg: "events.redis.channel"},
		{name: "redis without port", mutate: func(c *Config) { c.Events.Redis.Enabled = true; c.Events.Redis.Port = 0 }, errMsg: "events.redis.host"},
		{name: "history disabled ignores type", mutate: func(c *Config) { c.History.Enabled = false; c.History.Type = "oracle" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C", "D"}, SplitList([]string{"A,B", " C ", "", "D,"}))
	assert.Empty(t, SplitList(nil))
}
