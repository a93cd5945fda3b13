// Package server - HTTP API, WebSocket поток показаний и /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/elm"
	"elm327-diag/engine"
	"elm327-diag/obd"
)

// Backend - операции движка, доступные через API
type Backend interface {
	Status() engine.Status
	Readings() map[string][]common.Telemetry
	Predictions() []common.Prediction
	Monitors(ctx context.Context) (common.MonitorStatus, error)
	DTCs(ctx context.Context) (engine.DTCReport, error)
	FreezeFrame(ctx context.Context, pids []string) ([]common.Telemetry, error)
	ClearDTCs(ctx context.Context) error
	Tests(ctx context.Context, mid byte) ([]common.TestRecord, error)
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	SetModuleActive(name string, active bool) error
}

// Server - HTTP сервер API
type Server struct {
	addr    string
	backend Backend
	hub     *Hub
	router  *gin.Engine
	logger  *zap.Logger
}

// New создает сервер. gatherer == nil отключает /metrics.
func New(addr string, backend Backend, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    addr,
		backend: backend,
		hub:     hub,
		router:  router,
		logger:  logger.Named("server"),
	}
	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/readings", s.handleReadings)
	api.GET("/predictions", s.handlePredictions)
	api.GET("/monitors", s.handleMonitors)
	api.GET("/dtcs", s.handleDTCs)
	api.DELETE("/dtcs", s.handleClearDTCs)
	api.GET("/freeze", s.handleFreezeFrame)
	api.GET("/tests/:mid", s.handleTests)
	api.POST("/command", s.handleCommand)
	api.POST("/modules/:name/active", s.handleModuleActive)

	s.router.GET("/ws", gin.WrapH(s.hub))
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler возвращает http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub возвращает хаб WebSocket
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run запускает сервер и блокируется до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("Listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// errorStatus сопоставляет ошибку адаптера с HTTP кодом
func errorStatus(err error) int {
	switch {
	case errors.Is(err, elm.ErrNotConnected), errors.Is(err, elm.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, elm.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, obd.ErrUnsupported):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownModule):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	s.logger.Debug("Request failed", zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleReadings(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Readings())
}

func (s *Server) handlePredictions(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Predictions())
}

func (s *Server) handleMonitors(c *gin.Context) {
	status, err := s.backend.Monitors(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDTCs(c *gin.Context) {
	report, err := s.backend.DTCs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleFreezeFrame - GET /api/freeze?pids=0C,05
func (s *Server) handleFreezeFrame(c *gin.Context) {
	var pids []string
	if raw := c.Query("pids"); raw != "" {
		for _, pid := range strings.Split(raw, ",") {
			pid = strings.ToUpper(strings.TrimSpace(pid))
			if _, ok := obd.Lookup(pid); !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown PID " + pid})
				return
			}
			pids = append(pids, pid)
		}
	}
	readings, err := s.backend.FreezeFrame(c.Request.Context(), pids)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) handleClearDTCs(c *gin.Context) {
	if err := s.backend.ClearDTCs(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleTests(c *gin.Context) {
	mid, err := strconv.ParseUint(c.Param("mid"), 16, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mid must be a hex byte, e.g. 21"})
		return
	}
	records, err := s.backend.Tests(c.Request.Context(), byte(mid))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// handleCommand выполняет произвольную команду; ответ в формате MQTT моста
func (s *Server) handleCommand(c *gin.Context) {
	var cmd common.CommandMessage
	if err := c.ShouldBindJSON(&cmd); err != nil || cmd.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}

	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	raw, err := s.backend.SendCommand(c.Request.Context(), cmd.Command, timeout)

	response := common.CommandResponse{
		CorrelationID: cmd.CorrelationID,
		Status:        "success",
		Timestamp:     time.Now(),
	}
	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
		c.JSON(errorStatus(err), response)
		return
	}
	response.Result = raw
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleModuleActive(c *gin.Context) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active flag is required"})
		return
	}
	if err := s.backend.SetModuleActive(c.Param("name"), *body.Active); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": c.Param("name"), "active": *body.Active})
}
