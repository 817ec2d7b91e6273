// Package adminapi is the thin REST surface over the session manager and the
// flow store.
package adminapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/bjo163/zapflow/internal/crm"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SessionManager is the part of session.Manager the API drives.
type SessionManager interface {
	CreateConnection(ctx context.Context, tenantID int64, name string) (*domain.Connection, error)
	Connect(ctx context.Context, connectionID int64) (*domain.Connection, error)
	RegenerateQR(ctx context.Context, connectionID int64) (*domain.Connection, error)
	Disconnect(ctx context.Context, connectionID int64) error
	Status(ctx context.Context, connectionID int64) (*domain.Connection, error)
	IsLive(connectionID int64) bool
}

type MessageSender interface {
	Send(ctx context.Context, msg outbound.Message) (*domain.Message, error)
}

type Server struct {
	sessions    SessionManager
	connections repository.ConnectionRepository
	flows       repository.FlowRepository
	resolver    *crm.Resolver
	sender      MessageSender
	metrics     *metrics.Metrics
}

func NewServer(sessions SessionManager, repos *repository.Repositories, sender MessageSender, m *metrics.Metrics) *Server {
	return &Server{
		sessions:    sessions,
		connections: repos.Connections,
		flows:       repos.Flows,
		resolver:    crm.NewResolver(repos.Contacts, repos.Conversations),
		sender:      sender,
		metrics:     m,
	}
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	if reg := s.metrics.Registry(); reg != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  "zapflow",
			Subsystem:  "http",
			Registerer: reg,
		}))
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	s.registerConnectionRoutes(api)
	s.registerFlowRoutes(api)
}

// Response is the envelope of every API answer.
type Response struct {
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Response{Data: data})
}

func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, Response{Error: code, Message: msg, Details: detail})
}

// failErr maps the error taxonomy to a status code.
func failErr(c echo.Context, msg string, err error) error {
	switch {
	case errors.Is(err, errs.ErrAlreadyActive):
		return fail(c, http.StatusConflict, "ALREADY_ACTIVE", msg, err.Error())
	case errors.Is(err, errs.ErrNotConnected):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", msg, err.Error())
	case errs.IsNotFound(err):
		return fail(c, http.StatusNotFound, "NOT_FOUND", msg, nil)
	case errs.IsMalformed(err):
		return fail(c, http.StatusBadRequest, "MALFORMED_FLOW", msg, err.Error())
	case errs.IsTransport(err):
		return fail(c, http.StatusBadGateway, "TRANSPORT_ERROR", msg, err.Error())
	}
	zap.L().Error("adminapi: "+msg, zap.Error(err))
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", msg, err.Error())
}

func paramID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}
