package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"uptime/api/middleware"
	"uptime/internal/config"
	"uptime/internal/elasticsearch"
	"uptime/internal/logger"
	"uptime/internal/models"
	"uptime/internal/monitor"
	"uptime/internal/repository"
	"uptime/internal/zabbix"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const statusWindow = 30 * 24 * time.Hour

// CheckTrigger runs one check outside the regular sweep.
type CheckTrigger interface {
	TriggerCheck(ctx context.Context, id uint) (*models.CheckResult, error)
}

type AlertIngestor interface {
	Ingest(ctx context.Context, payload map[string]any) (*zabbix.Result, error)
}

// Dependencies 服务依赖，ES 和文件日志可为 nil
type Dependencies struct {
	Config    *config.Config
	Monitors  *repository.MonitorRepository
	Hosts     *repository.HostRepository
	Events    *repository.AlertEventRepository
	Checker   CheckTrigger
	Ingestor  AlertIngestor
	ES        *elasticsearch.Client
	CheckLogs *logger.CheckLogWriter
}

type Server struct {
	router    *gin.Engine
	config    *config.Config
	monitors  *repository.MonitorRepository
	hosts     *repository.HostRepository
	events    *repository.AlertEventRepository
	checker   CheckTrigger
	ingestor  AlertIngestor
	es        *elasticsearch.Client
	checkLogs *logger.CheckLogWriter
	limiter   *middleware.IPRateLimiter
	now       func() time.Time
}

// NewServer builds the router. ctx bounds background work such as the
// rate limiter cleanup.
func NewServer(ctx context.Context, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), accessLog())

	// 单个请求处理超时
	router.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	server := &Server{
		router:    router,
		config:    deps.Config,
		monitors:  deps.Monitors,
		hosts:     deps.Hosts,
		events:    deps.Events,
		checker:   deps.Checker,
		ingestor:  deps.Ingestor,
		es:        deps.ES,
		checkLogs: deps.CheckLogs,
		limiter: middleware.NewIPRateLimiter(ctx, middleware.RateLimiterConfig{
			RequestsPerSecond: deps.Config.Server.RateLimit,
			BurstSize:         deps.Config.Server.RateBurst,
		}),
		now: time.Now,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(s.limiter.Middleware())
	{
		api.POST("/monitor/add", s.addMonitor)
		api.POST("/monitor/list", s.listMonitors)
		api.POST("/monitor/get", s.getMonitor)
		api.POST("/monitor/update", s.updateMonitor)
		api.POST("/monitor/remove", s.removeMonitor)
		api.POST("/monitor/check", s.checkMonitor)
		api.POST("/monitor/status/get", s.getMonitorStatus)
		api.POST("/monitor/results", s.listResults)

		api.POST("/host/add", s.addHost)
		api.POST("/host/list", s.listHosts)
		api.POST("/host/remove", s.removeHost)

		api.POST("/alert/list", s.listAlerts)
		api.POST("/alert/ack", s.ackAlert)
		api.POST("/alert/resolve", s.resolveAlert)

		api.POST("/zabbix/webhook", s.zabbixWebhook)

		api.POST("/logs/search", s.searchLogs)
		api.POST("/logs/stats", s.getLogStats)

		api.GET("/config", s.getConfig)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Common request types
type IDRequest struct {
	ID uint `json:"id" binding:"required"`
}

// bindOptionalJSON treats an empty body as an empty request.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) addMonitor(c *gin.Context) {
	var req MonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := ConvertMonitorRequest(req)
	if err := m.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.monitors.Create(c.Request.Context(), m); err != nil {
		logger.Error("Failed to create monitor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create monitor"})
		return
	}

	// 新增后立即检查一次
	if s.checker != nil && m.Enabled {
		go s.initialCheck(m.ID)
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      m.ID,
		"message": "Monitor created successfully",
	})
}

func (s *Server) initialCheck(id uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.checker.TriggerCheck(ctx, id); err != nil {
		logger.Warn("Failed to trigger initial check",
			zap.Uint("monitor_id", id),
			zap.Error(err),
		)
	}
}

func (s *Server) listMonitors(c *gin.Context) {
	monitors, err := s.monitors.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list monitors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitors": monitors})
}

func (s *Server) getMonitor(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := s.monitors.Get(c.Request.Context(), req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitor not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load monitor"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) updateMonitor(c *gin.Context) {
	var req struct {
		IDRequest
		MonitorRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	m, err := s.monitors.Get(ctx, req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitor not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load monitor"})
		return
	}

	ApplyMonitorRequest(m, req.MonitorRequest)
	if err := m.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.monitors.Update(ctx, m); err != nil {
		logger.Error("Failed to update monitor", zap.Uint("monitor_id", m.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update monitor"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Monitor updated successfully"})
}

func (s *Server) removeMonitor(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.monitors.Delete(c.Request.Context(), req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitor not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete monitor"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Monitor deleted successfully"})
}

func (s *Server) checkMonitor(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.checker.TriggerCheck(c.Request.Context(), req.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitor not found"})
	case errors.Is(err, monitor.ErrCheckInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "A check for this monitor is already running"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) getMonitorStatus(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	m, err := s.monitors.Get(ctx, req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Monitor not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load monitor"})
		return
	}

	stats, err := s.monitors.Stats(ctx, m.ID, s.now().Add(-statusWindow))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":              m.ID,
		"name":            m.Name,
		"status":          m.CurrentStatus,
		"last_checked_at": m.LastCheckedAt,
		"uptime_percent":  stats.UptimePercent,
		"avg_response_ms": stats.AvgResponseMs,
		"checks":          stats.Total,
	})
}

func (s *Server) listResults(c *gin.Context) {
	var req struct {
		ID    uint `json:"id" binding:"required"`
		Limit int  `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.monitors.RecentResults(c.Request.Context(), req.ID, req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) addHost(c *gin.Context) {
	var req HostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h := ConvertHostRequest(req)
	if err := s.hosts.Create(c.Request.Context(), h); err != nil {
		logger.Error("Failed to create host", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create host"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": h.ID, "message": "Host created successfully"})
}

func (s *Server) listHosts(c *gin.Context) {
	hosts, err := s.hosts.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list hosts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts})
}

func (s *Server) removeHost(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.hosts.Delete(c.Request.Context(), req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Host not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete host"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Host deleted successfully"})
}

func (s *Server) listAlerts(c *gin.Context) {
	var req repository.AlertEventFilter
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := s.events.List(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": events})
}

func (s *Server) ackAlert(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.events.Acknowledge(c.Request.Context(), req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to acknowledge alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert acknowledged"})
}

// resolveAlert closes an open problem by hand. No notification is sent.
func (s *Server) resolveAlert(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.events.Resolve(c.Request.Context(), req.ID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No open alert with this id"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert resolved"})
}

// zabbixWebhook acknowledges every authenticated delivery, so a bad payload
// never triggers upstream retries.
func (s *Server) zabbixWebhook(c *gin.Context) {
	if !s.webhookAuthorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
		return
	}

	payload, err := readWebhookPayload(c)
	if err != nil {
		logger.Warn("Unreadable Zabbix webhook payload", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": zabbix.OutcomeDropped})
		return
	}

	res, err := s.ingestor.Ingest(c.Request.Context(), payload)
	if err != nil && !errors.Is(err, zabbix.ErrMalformedPayload) {
		logger.Error("Failed to ingest Zabbix alert", zap.Error(err))
	}

	resp := gin.H{"received": true}
	if res != nil {
		resp["outcome"] = res.Outcome
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) webhookAuthorized(c *gin.Context) bool {
	want := s.config.Zabbix.WebhookToken
	if want == "" {
		return true
	}
	got := c.GetHeader("X-Webhook-Token")
	if got == "" {
		got = c.Query("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// readWebhookPayload accepts a JSON object or a form body.
func readWebhookPayload(c *gin.Context) (map[string]any, error) {
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		if err := c.Request.ParseForm(); err != nil {
			return nil, err
		}
		payload := make(map[string]any, len(c.Request.PostForm))
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		logger.Warn("Zabbix webhook body is not a JSON object", zap.ByteString("body", body))
		return nil, err
	}
	return payload, nil
}

// LogSearchRequest 检查日志查询
type LogSearchRequest struct {
	MonitorID *uint  `json:"monitor_id,omitempty"`
	Status    string `json:"status,omitempty"`
	StartTime *int64 `json:"start_time,omitempty"` // Unix timestamp
	EndTime   *int64 `json:"end_time,omitempty"`   // Unix timestamp
	Size      int    `json:"size,omitempty"`
	From      int    `json:"from,omitempty"`
	QueryText string `json:"query_text,omitempty"`
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}

// searchLogs uses Elasticsearch when enabled, the JSONL check logs otherwise.
func (s *Server) searchLogs(c *gin.Context) {
	var req LogSearchRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.es != nil {
		result, err := s.es.SearchChecks(c.Request.Context(), &elasticsearch.SearchQuery{
			MonitorID: req.MonitorID,
			Status:    req.Status,
			StartTime: unixPtr(req.StartTime),
			EndTime:   unixPtr(req.EndTime),
			Size:      req.Size,
			From:      req.From,
			QueryText: req.QueryText,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": result.Total, "hits": result.Hits})
		return
	}

	if s.checkLogs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Check logs are not enabled"})
		return
	}

	result, err := s.checkLogs.Query(&logger.LogQueryRequest{
		MonitorID: req.MonitorID,
		Status:    req.Status,
		StartTime: unixPtr(req.StartTime),
		EndTime:   unixPtr(req.EndTime),
		Limit:     req.Size,
		Offset:    req.From,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": result.Total, "hits": result.Logs})
}

type LogStatsRequest struct {
	MonitorID uint  `json:"monitor_id" binding:"required"`
	StartTime int64 `json:"start_time"` // Unix timestamp
	EndTime   int64 `json:"end_time"`   // Unix timestamp
}

func (s *Server) getLogStats(c *gin.Context) {
	if s.es == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Elasticsearch is not enabled"})
		return
	}

	var req LogStatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 默认最近 24 小时
	end := s.now()
	if req.EndTime != 0 {
		end = time.Unix(req.EndTime, 0)
	}
	start := end.Add(-24 * time.Hour)
	if req.StartTime != 0 {
		start = time.Unix(req.StartTime, 0)
	}

	stats, err := s.es.Stats(c.Request.Context(), req.MonitorID, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getConfig 获取当前配置，敏感字段已隐藏
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": RedactConfig(s.config)})
}
