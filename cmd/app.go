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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/db"
	"github.com/pipekeeper/pipekeeper/internal/events"
	"github.com/pipekeeper/pipekeeper/internal/history"
	"github.com/pipekeeper/pipekeeper/internal/logger"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/monitor"
	"github.com/pipekeeper/pipekeeper/internal/otel_trace"
	"github.com/pipekeeper/pipekeeper/internal/router"
	"github.com/pipekeeper/pipekeeper/internal/supervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// shutdownTimeout bounds the cleanup after the supervisor returns.
const shutdownTimeout = 5 * time.Second

// App wires every component of one supervisor process.
// App 组装一个监督器进程的所有组件。
type App struct {
	// config holds the effective configuration
	// config 保存生效的配置
	config *config.Config

	logger  *zap.Logger
	tracing *otel_trace.Tracing
	metrics *metrics.Metrics
	events  *events.Bus

	// sinks deliver events to the bus and the history off the monitor goroutine
	// sinks 在监控协程之外将事件写入事件总线与运行历史
	sinks []*monitor.AsyncHandler

	// db and runs are nil when history is disabled or unavailable
	// 历史记录禁用或不可用时 db 与 runs 为 nil
	db   *gorm.DB
	runs *history.Repository

	supervisor *supervisor.Supervisor
	server     *router.Server
}

// NewApp creates an App. History and tracing failures degrade to disabled
// features; they never prevent supervision.
// NewApp 创建 App，历史记录与追踪初始化失败只会降级，不会阻止监督。
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) *App {
	a := &App{
		config:  cfg,
		logger:  log,
		tracing: otel_trace.Init(ctx, cfg.Telemetry, log.Named("trace")),
		metrics: metrics.New(),
		events:  events.NewBus(cfg.Events, log.Named("events")),
	}

	handlers := []monitor.EventHandler{a.async("events", a.events.Handle)}
	if cfg.History.Enabled {
		if err := a.openHistory(ctx); err != nil {
			log.Warn("[History] run history disabled", zap.Error(err))
		} else {
			rec := history.NewRecorder(a.runs, strings.Join(cfg.Worker.Command, " "), log.Named("history"))
			handlers = append(handlers, a.async("history", rec.Handle))
		}
	}

	a.supervisor = supervisor.New(cfg, supervisor.Options{
		Logger:   log,
		Tracing:  a.tracing,
		Metrics:  a.metrics,
		Handlers: handlers,
	})

	if cfg.Status.Listen != "" {
		deps := router.Deps{
			Status:      a.supervisor,
			Events:      a.events,
			Metrics:     a.metrics.Handler(),
			ServiceName: cfg.Telemetry.ServiceName,
			Logger:      log.Named("api"),
		}
		if a.runs != nil {
			deps.Runs = a.runs
		}
		a.server = router.NewServer(cfg.Status.Listen, router.NewEngine(deps), log.Named("api"))
	}
	return a
}

func (a *App) async(name string, h monitor.EventHandler) monitor.EventHandler {
	sink := monitor.NewAsyncHandler(name, h, monitor.DefaultAsyncBuffer, a.logger.Named(name))
	a.sinks = append(a.sinks, sink)
	return sink.Handle
}

func (a *App) openHistory(ctx context.Context) error {
	gdb, err := db.Open(a.config.History, a.logger.Named("db"))
	if err != nil {
		return err
	}
	repo := history.NewRepository(gdb)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close(gdb)
		return err
	}
	a.db = gdb
	a.runs = repo
	return nil
}

// Run starts the status server, runs the supervisor and cleans up.
// Run 启动状态服务、运行监督器并在结束后清理资源。
func (a *App) Run(ctx context.Context) (supervisor.ExitCode, error) {
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			a.logger.Error("[API] status server not started", zap.String("listen", a.config.Status.Listen), zap.Error(err))
			a.server = nil
		}
	}

	code, err := a.supervisor.Run(ctx)
	a.shutdown()
	return code, err
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Drain queued events before their stores close
	// 在存储关闭前处理完队列中的事件
	for _, sink := range a.sinks {
		sink.Close()
	}

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("[API] status server shutdown", zap.Error(err))
		}
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("[Trace] shutdown", zap.Error(err))
	}
	if err := a.events.Close(); err != nil {
		a.logger.Warn("[Events] close", zap.Error(err))
	}
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("[Database] close", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// runSupervisor is the main entry point for the run command
// runSupervisor 是 run 命令的主入口点
func runSupervisor(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := loadConfig(cmd, opts, args)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	// 设置信号处理以实现优雅关闭
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pipekeeper starting",
		zap.String("version", Version),
		zap.String("commit", GitCommit))

	code, err := NewApp(ctx, cfg, log).Run(ctx)
	if err != nil {
		log.Error("Supervisor finished with error", zap.Int("exit_code", int(code)), zap.Error(err))
	}
	if code != supervisor.ExitOK {
		return &exitError{code: code, err: err}
	}
	return nil
}
