package adminapi

import (
	"net/http"
	"strings"

	"github.com/bjo163/zapflow/internal/crm"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) registerConnectionRoutes(api *echo.Group) {
	api.GET("/tenants/:tenant/connections", s.listConnections)
	api.POST("/tenants/:tenant/connections", s.createConnection)
	api.GET("/connections/:id", s.getConnection)
	api.POST("/connections/:id/connect", s.connectConnection)
	api.POST("/connections/:id/regenerate-qr", s.regenerateQR)
	api.POST("/connections/:id/disconnect", s.disconnectConnection)
	api.POST("/connections/:id/send", s.sendMessage)
}

// connectionView adds the in-memory liveness to the stored row.
type connectionView struct {
	*domain.Connection
	Live bool `json:"live"`
}

func (s *Server) view(c *domain.Connection) connectionView {
	return connectionView{Connection: c, Live: s.sessions.IsLive(c.ID)}
}

func (s *Server) listConnections(c echo.Context) error {
	tenantID, valid := paramID(c, "tenant")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant id", nil)
	}
	rows, err := s.connections.ListByTenant(c.Request().Context(), tenantID)
	if err != nil {
		return failErr(c, "Failed to list connections", err)
	}
	views := make([]connectionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, s.view(row))
	}
	return ok(c, views)
}

// createConnection registers (or reuses) the tenant's connection by name and
// starts pairing. The QR code arrives asynchronously; poll GET /connections/:id.
func (s *Server) createConnection(c echo.Context) error {
	tenantID, valid := paramID(c, "tenant")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant id", nil)
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "name is required", nil)
	}
	conn, err := s.sessions.CreateConnection(c.Request().Context(), tenantID, payload.Name)
	if err != nil {
		return failErr(c, "Failed to create connection", err)
	}
	zap.L().Info("adminapi: connection created",
		zap.Int64("tenant_id", tenantID), zap.Int64("connection_id", conn.ID))
	return created(c, s.view(conn))
}

func (s *Server) getConnection(c echo.Context) error {
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid connection id", nil)
	}
	conn, err := s.sessions.Status(c.Request().Context(), id)
	if err != nil {
		return failErr(c, "Connection not found", err)
	}
	return ok(c, s.view(conn))
}

func (s *Server) connectConnection(c echo.Context) error {
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid connection id", nil)
	}
	conn, err := s.sessions.Connect(c.Request().Context(), id)
	if err != nil {
		return failErr(c, "Failed to connect", err)
	}
	return ok(c, s.view(conn))
}

func (s *Server) regenerateQR(c echo.Context) error {
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid connection id", nil)
	}
	conn, err := s.sessions.RegenerateQR(c.Request().Context(), id)
	if err != nil {
		return failErr(c, "Failed to regenerate QR code", err)
	}
	return ok(c, s.view(conn))
}

func (s *Server) disconnectConnection(c echo.Context) error {
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid connection id", nil)
	}
	ctx := c.Request().Context()
	if err := s.sessions.Disconnect(ctx, id); err != nil {
		return failErr(c, "Failed to disconnect", err)
	}
	conn, err := s.sessions.Status(ctx, id)
	if err != nil {
		return failErr(c, "Connection not found", err)
	}
	return ok(c, s.view(conn))
}

// sendMessage sends a text from the connection and records it in the
// contact's conversation.
// Request JSON: { "to": "5511988887777", "text": "hello" }
func (s *Server) sendMessage(c echo.Context) error {
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid connection id", nil)
	}
	var payload struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || strings.TrimSpace(payload.Text) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text are required", nil)
	}
	phone, err := crm.NormalizePhone(payload.To)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "Invalid phone number", err.Error())
	}

	ctx := c.Request().Context()
	conn, err := s.sessions.Status(ctx, id)
	if err != nil {
		return failErr(c, "Connection not found", err)
	}
	contact, conv, err := s.resolver.Resolve(ctx, conn.TenantID, conn.ID, phone, "")
	if err != nil {
		return failErr(c, "Failed to resolve contact", err)
	}
	msg, err := s.sender.Send(ctx, outbound.Message{
		ConnectionID:   conn.ID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		To:             contact.PhoneNumber,
		Text:           payload.Text,
	})
	if err != nil {
		return failErr(c, "Failed to send message", err)
	}
	return ok(c, msg)
}
