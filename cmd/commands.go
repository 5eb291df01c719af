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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/db"
	"github.com/pipekeeper/pipekeeper/internal/history"
	"github.com/pipekeeper/pipekeeper/internal/readiness"
	"github.com/pipekeeper/pipekeeper/internal/supervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	// envValueLimit is where env dump values are cut off
	envValueLimit = 60
	separator     = "======================================================================"
	statusSet     = "✓ SET"
	statusNotSet  = "✗ NOT SET"
)

// secretMarkers flag variable names whose values are masked in the env dump.
var secretMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIAL", "WEBHOOK", "PRIVATE", "AUTH"}

// newCheckCmd runs the readiness gate only.
// newCheckCmd 仅执行就绪检查。
func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the readiness gate and print a requirement table / 执行就绪检查",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			loadEnvFile(out, cfg)

			gate := supervisor.New(cfg, supervisor.Options{Logger: zap.NewNop()}).Gate()
			report, err := gate.Check()
			if renderErr := renderReport(out, report); renderErr != nil {
				return renderErr
			}
			for _, w := range report.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if err != nil {
				fmt.Fprintf(out, "NOT READY: %v\n", err)
				return &exitError{code: supervisor.ExitNotReady, err: err}
			}
			fmt.Fprintln(out, "READY")
			return nil
		},
	}
}

func renderReport(out io.Writer, report *readiness.Report) error {
	table := tablewriter.NewWriter(out)
	table.Header("Variable", "Required", "Status")
	for _, item := range report.Items {
		status := statusNotSet
		if item.Present {
			status = statusSet
		}
		if err := table.Append([]string{item.Name, yesNo(item.Fatal), status}); err != nil {
			return err
		}
	}
	if report.CredentialPath != "" {
		if err := table.Append([]string{"credential " + report.CredentialPath, "-", string(report.Credential)}); err != nil {
			return err
		}
	}
	return table.Render()
}

// newEnvCmd dumps the environment for diagnostics.
// newEnvCmd 输出环境变量用于排查问题。
func newEnvCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print the environment with secrets masked / 输出环境变量（敏感值已隐藏）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			loadEnvFile(out, cfg)

			fmt.Fprintln(out, "All Environment Variables:")
			fmt.Fprintln(out, separator)
			env := os.Environ()
			sort.Strings(env)
			for _, kv := range env {
				key, value, _ := strings.Cut(kv, "=")
				fmt.Fprintf(out, "%s: %s\n", key, displayValue(key, value))
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, separator)
			fmt.Fprintln(out, "Specifically checking for configured variables:")
			fmt.Fprintln(out, separator)
			names := make([]string, 0)
			for _, r := range cfg.Requirements() {
				names = append(names, r.Name)
			}
			if cfg.Readiness.Credential.Env != "" {
				names = append(names, cfg.Readiness.Credential.Env)
			}
			for _, name := range names {
				status := statusNotSet
				if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
					status = statusSet
				}
				fmt.Fprintf(out, "%s: %s\n", name, status)
			}
			return nil
		},
	}
}

// displayValue masks secret-looking variables and truncates long values.
func displayValue(key, value string) string {
	if isSecretName(key) && value != "" {
		return fmt.Sprintf("****** (%d chars)", len(value))
	}
	if len(value) > envValueLimit {
		return value[:envValueLimit] + "..."
	}
	return value
}

func isSecretName(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range secretMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// newConfigCmd prints the effective configuration.
// newConfigCmd 输出生效的配置。
func newConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML / 以 YAML 输出生效配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			if cfg.History.Password != "" {
				cfg.History.Password = "******"
			}
			if cfg.Events.Redis.Password != "" {
				cfg.Events.Redis.Password = "******"
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// newRunsCmd lists recent worker runs from the history database.
// newRunsCmd 列出历史数据库中最近的运行记录。
func newRunsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent worker runs / 列出最近的运行记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return db.ErrDisabled
			}
			gdb, err := db.Open(cfg.History, zap.NewNop())
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			repo := history.NewRepository(gdb)
			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			runs, err := repo.Recent(ctx, limit)
			if err != nil {
				return err
			}
			return renderRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultRecentLimit, "number of runs to show")
	return cmd
}

func renderRuns(out io.Writer, runs []*history.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Run ID", "Attempt", "PID", "Outcome", "Exit", "Started", "Duration")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		duration := "-"
		if r.EndedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		if err := table.Append([]string{
			r.RunID,
			strconv.Itoa(r.Attempt),
			strconv.Itoa(r.PID),
			string(r.Outcome),
			exit,
			r.StartedAt.Local().Format(time.RFC3339),
			duration,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// newVersionCmd shows version information
// newVersionCmd 显示版本信息
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipekeeper\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func loadEnvFile(out io.Writer, cfg *config.Config) {
	if cfg.Supervisor.EnvFile == "" {
		return
	}
	if err := readiness.LoadEnvFile(cfg.Supervisor.EnvFile); err != nil {
		fmt.Fprintf(out, "warning: env file %s not loaded: %v\n", cfg.Supervisor.EnvFile, err)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
