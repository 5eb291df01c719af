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

// Package main is the entry point for pipekeeper.
// main 包是 pipekeeper 的入口点。
//
// pipekeeper is a process supervisor for container platforms that:
// pipekeeper 是面向容器平台的进程监督器，负责：
// - Gates startup on environment readiness / 在环境就绪后才启动
// - Launches one detached worker and keeps it alive / 启动一个独立会话的工作进程并保持其存活
// - Holds the container open when it cannot do its job / 无法工作时保持容器运行以便排查
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/supervisor"
	"github.com/spf13/cobra"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// exitError carries a process exit code out of a command.
// exitError 将进程退出码从命令中带出。
type exitError struct {
	code supervisor.ExitCode
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// options holds the global flags.
// options 保存全局命令行标志。
type options struct {
	configFile   string
	mode         string
	logLevel     string
	pollInterval time.Duration
	maxRuntime   time.Duration
	maxRestarts  int
}

// newRootCmd builds the CLI. out receives command output.
// newRootCmd 构建命令行，out 接收命令输出。
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "pipekeeper [-- command args...]",
		Short: "pipekeeper - keeps one pipeline worker alive inside a container",
		Long: `pipekeeper gates startup on environment readiness, launches the worker
detached from its own session and keeps it alive under a restart policy.
pipekeeper 在环境就绪后启动工作进程，并按重启策略保持其存活。

When it cannot do its job it holds the container open so the logs stay
reachable.
无法完成工作时会保持容器运行，便于查看日志。`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, opts, args)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file path (default: "+config.DefaultConfigPath+")")
	flags.StringVar(&opts.mode, "mode", "", "supervising mode: perpetual or fire-and-forget")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 0, "liveness poll interval")
	flags.DurationVar(&opts.maxRuntime, "max-runtime", 0, "maximum worker runtime before it is stopped (0 disables)")
	flags.IntVar(&opts.maxRestarts, "max-restarts", 0, "restart budget (-1 unlimited, 0 never)")

	runCmd := &cobra.Command{
		Use:   "run [-- command args...]",
		Short: "Run the supervisor / 运行监督器",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, opts, args)
		},
	}

	rootCmd.AddCommand(
		runCmd,
		newCheckCmd(opts),
		newEnvCmd(opts),
		newConfigCmd(opts),
		newRunsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig loads configuration with flag overrides, then validates it.
// loadConfig 加载配置并应用命令行覆盖，然后校验。
func loadConfig(cmd *cobra.Command, opts *options, command []string) (*config.Config, error) {
	overrides := make(map[string]interface{})
	flags := cmd.Flags()
	if flags.Changed("mode") {
		overrides["supervisor.mode"] = opts.mode
	}
	if flags.Changed("log-level") {
		overrides["log.level"] = opts.logLevel
	}
	if flags.Changed("poll-interval") {
		overrides["supervisor.poll_interval"] = opts.pollInterval
	}
	if flags.Changed("max-runtime") {
		overrides["worker.max_runtime"] = opts.maxRuntime
	}
	if flags.Changed("max-restarts") {
		overrides["restart.max_restarts"] = opts.maxRestarts
	}
	if len(command) > 0 {
		overrides["worker.command"] = command
	}

	cfg, err := config.LoadWithPriority(opts.configFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// exitCodeOf maps a command error to the process exit status. Configuration
// errors share the not-ready status.
// exitCodeOf 将命令错误映射为进程退出码，配置错误与未就绪使用同一退出码。
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return int(ee.code)
	}
	return int(supervisor.ExitNotReady)
}

func main() {
	err := newRootCmd(os.Stdout).Execute()
	code := exitCodeOf(err)
	if err != nil && code != 0 {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(code)
}
