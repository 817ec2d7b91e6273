package adminapi

import (
	"net/http"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/flow"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) registerFlowRoutes(api *echo.Group) {
	api.POST("/tenants/:tenant/flows", s.createFlow)
	api.GET("/tenants/:tenant/flows/:id", s.getFlow)
	api.PUT("/tenants/:tenant/flows/:id", s.putFlow)
}

func (s *Server) getFlow(c echo.Context) error {
	tenantID, valid := paramID(c, "tenant")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant id", nil)
	}
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid flow id", nil)
	}
	fg, err := s.flows.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, "Flow not found", err)
	}
	if fg.TenantID != tenantID {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Flow not found", nil)
	}
	return ok(c, fg)
}

func (s *Server) createFlow(c echo.Context) error {
	tenantID, valid := paramID(c, "tenant")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant id", nil)
	}
	var fg domain.FlowGraph
	if err := c.Bind(&fg); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse flow", err.Error())
	}
	fg.ID = 0
	fg.TenantID = tenantID
	if err := s.saveFlow(c, &fg); err != nil {
		return failErr(c, "Failed to save flow", err)
	}
	return created(c, &fg)
}

// putFlow replaces the flow with id, nodes and edges included. A flow owned
// by another tenant is reported as missing.
func (s *Server) putFlow(c echo.Context) error {
	tenantID, valid := paramID(c, "tenant")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant id", nil)
	}
	id, valid := paramID(c, "id")
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid flow id", nil)
	}
	var fg domain.FlowGraph
	if err := c.Bind(&fg); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse flow", err.Error())
	}

	existing, err := s.flows.Get(c.Request().Context(), id)
	if err == nil {
		if existing.TenantID != tenantID {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Flow not found", nil)
		}
		fg.CreatedAt = existing.CreatedAt
	}
	fg.ID = id
	fg.TenantID = tenantID
	if err := s.saveFlow(c, &fg); err != nil {
		return failErr(c, "Failed to save flow", err)
	}
	return ok(c, &fg)
}

func (s *Server) saveFlow(c echo.Context, fg *domain.FlowGraph) error {
	if err := flow.Validate(fg); err != nil {
		return err
	}
	if err := s.flows.Save(c.Request().Context(), fg); err != nil {
		return err
	}
	zap.L().Info("adminapi: flow saved",
		zap.Int64("tenant_id", fg.TenantID), zap.Int64("flow_id", fg.ID),
		zap.Int("nodes", len(fg.Nodes)), zap.Bool("active", fg.IsActive))
	return nil
}
