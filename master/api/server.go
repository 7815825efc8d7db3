package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scusemua/fleet-master/common/types"
	"github.com/scusemua/fleet-master/master"
	"github.com/scusemua/fleet-master/master/auth"
	"github.com/scusemua/fleet-master/master/ledger"
)

// Server exposes the master's operator HTTP surface: the reserve/unreserve endpoints, a
// read-only state projection, and Prometheus metrics.
type Server struct {
	log logger.Logger

	master     *master.Master
	engine     *gin.Engine
	httpServer *http.Server
	port       int
}

// NewServer builds the gin engine and routes. Call Start to begin serving.
func NewServer(m *master.Master, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		master: m,
		engine: gin.New(),
		port:   port,
	}
	config.InitLogger(&s.log, s)

	s.engine.Use(gin.Recovery())

	s.engine.POST("/master/reserve", s.handleReserve)
	s.engine.POST("/master/unreserve", s.handleUnreserve)
	s.engine.GET("/master/state", s.handleState)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Metrics().Registry(), promhttp.HandlerOpts{})))

	return s
}

// Engine exposes the underlying gin engine (used by tests to drive requests in-process).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves the HTTP surface until Shutdown is called. Blocking.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	s.log.Info("Serving operator endpoints on port %d.", s.port)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleReserve(c *gin.Context) {
	s.handleReservation(c, ledger.Reserve)
}

func (s *Server) handleUnreserve(c *gin.Context) {
	s.handleReservation(c, ledger.Unreserve)
}

// handleReservation drives the shared request flow for both endpoints. Authentication runs
// before any parsing of the payload; a caller with bad credentials learns nothing about how the
// body would have been interpreted.
func (s *Server) handleReservation(c *gin.Context, direction ledger.Direction) {
	principal, err := s.authenticate(c)
	if err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}

	agentId := c.PostForm("slaveId")
	if agentId == "" {
		c.String(http.StatusBadRequest, "missing required field: slaveId")
		return
	}

	encoded := c.PostForm("resources")
	if encoded == "" {
		c.String(http.StatusBadRequest, "missing required field: resources")
		return
	}

	resources, err := types.ParseResources([]byte(encoded))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if direction == ledger.Reserve {
		err = s.master.Reserve(principal, agentId, resources)
	} else {
		err = s.master.Unreserve(principal, agentId, resources)
	}

	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.Status(http.StatusOK)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"master_id": s.master.Id(),
		"agents":    s.master.State(),
	})
}

// authenticate extracts HTTP basic credentials and validates them against the master's
// authenticator.
func (s *Server) authenticate(c *gin.Context) (string, error) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return "", auth.ErrUnauthenticated
	}

	return s.master.Authenticate(&auth.Credential{Principal: username, Secret: password})
}

// statusFor maps the processor's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, master.ErrMalformedRequest), errors.Is(err, types.ErrMalformedResource):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientResources):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
