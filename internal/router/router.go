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

// Package router 提供状态服务的 HTTP 路由配置
// Package router provides the status server's HTTP routing
package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pipekeeper/pipekeeper/internal/events"
	"github.com/pipekeeper/pipekeeper/internal/history"
	"github.com/pipekeeper/pipekeeper/internal/supervisor"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// StatusSource reports the supervisor state.
// StatusSource 提供监督器状态。
type StatusSource interface {
	Status(ctx context.Context) supervisor.Status
}

// RunLister lists recent worker runs.
// RunLister 列出最近的运行记录。
type RunLister interface {
	Recent(ctx context.Context, n int) ([]*history.Run, error)
}

// EventLister returns recent lifecycle events, newest first, and the
// stores they are published to.
type EventLister interface {
	Recent(n int) []events.Record
	StoreTypes() []events.StoreType
}

// Response is the JSON envelope used by every endpoint except /metrics.
// Response 是除 /metrics 外所有接口统一使用的 JSON 包装。
type Response struct {
	ErrorMsg string      `json:"error_msg"`
	Data     interface{} `json:"data"`
}

// ListRunsRequest represents the query of GET /runs.
// ListRunsRequest 表示 GET /runs 的查询参数。
type ListRunsRequest struct {
	N int `form:"n" binding:"omitempty,min=1,max=500"`
}

// Deps are the collaborators behind the routes. Runs, Events and Metrics may be nil.
// Deps 是路由依赖的组件，Runs、Events 与 Metrics 可以为 nil。
type Deps struct {
	Status      StatusSource
	Runs        RunLister
	Events      EventLister
	Metrics     http.Handler
	ServiceName string
	Logger      *zap.Logger
}

// NewEngine 初始化路由
// NewEngine builds the gin engine
func NewEngine(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "pipekeeper"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(deps.ServiceName), loggerMiddleware(deps.Logger))

	h := &handler{deps: deps}
	r.GET("/healthz", h.health)
	r.GET("/status", h.status)
	r.GET("/runs", h.listRuns)
	r.GET("/events", h.listEvents)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	return r
}

type handler struct {
	deps Deps
}

// health handles GET /healthz. The supervisor answers 200 while it is up,
// including while holding.
// health 处理 GET /healthz，监督器运行期间（包括保持状态）始终返回 200。
func (h *handler) health(c *gin.Context) {
	holding := false
	if h.deps.Status != nil {
		holding = h.deps.Status.Status(c.Request.Context()).Holding
	}
	c.JSON(http.StatusOK, Response{Data: gin.H{"status": "ok", "holding": holding}})
}

// status handles GET /status.
// status 处理 GET /status。
func (h *handler) status(c *gin.Context) {
	if h.deps.Status == nil {
		c.JSON(http.StatusServiceUnavailable, Response{ErrorMsg: "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, Response{Data: h.deps.Status.Status(c.Request.Context())})
}

// listRuns handles GET /runs?n=20.
// listRuns 处理 GET /runs?n=20。
func (h *handler) listRuns(c *gin.Context) {
	if h.deps.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, Response{ErrorMsg: "run history is disabled"})
		return
	}
	req := &ListRunsRequest{N: history.DefaultRecentLimit}
	if err := c.ShouldBindQuery(req); err != nil {
		c.JSON(http.StatusBadRequest, Response{ErrorMsg: err.Error()})
		return
	}
	runs, err := h.deps.Runs.Recent(c.Request.Context(), req.N)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{ErrorMsg: err.Error()})
		return
	}
	if runs == nil {
		runs = []*history.Run{}
	}
	c.JSON(http.StatusOK, Response{Data: gin.H{"total": len(runs), "runs": runs}})
}

// listEvents handles GET /events?n=20.
// listEvents 处理 GET /events?n=20。
func (h *handler) listEvents(c *gin.Context) {
	if h.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, Response{ErrorMsg: "event buffer unavailable"})
		return
	}
	req := &ListRunsRequest{N: history.DefaultRecentLimit}
	if err := c.ShouldBindQuery(req); err != nil {
		c.JSON(http.StatusBadRequest, Response{ErrorMsg: err.Error()})
		return
	}
	evs := h.deps.Events.Recent(req.N)
	if evs == nil {
		evs = []events.Record{}
	}
	c.JSON(http.StatusOK, Response{Data: gin.H{
		"total":  len(evs),
		"stores": h.deps.Events.StoreTypes(),
		"events": evs,
	}})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("[API] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// Server runs the status HTTP server.
// Server 运行状态 HTTP 服务。
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
	errCh  chan error
}

// NewServer creates a server for addr. Call Start to begin serving.
// NewServer 为 addr 创建服务，调用 Start 开始监听。
func NewServer(addr string, engine http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
// Start 绑定监听地址并在后台提供服务，绑定失败时直接返回错误。
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("[API] status server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[API] status server stopped", zap.Error(err))
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Errors reports a serve failure after Start.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown gracefully stops the server.
// Shutdown 优雅关闭服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
