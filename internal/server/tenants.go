package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/tokenledger/internal/tenant/domain"
)

type tenantResponse struct {
	UserID string `json:"user_id"`
	Path   string `json:"path"`
}

func newTenantResponse(handle *tenantdomain.Handle) tenantResponse {
	return tenantResponse{UserID: handle.UserID, Path: handle.Path}
}

func (s *Server) ListTenants(c *gin.Context) {
	ids, err := s.tenants.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"data": ids})
}

func (s *Server) ProvisionTenant(c *gin.Context) {
	handle, err := s.tenants.Provision(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newTenantResponse(handle)})
}

func (s *Server) ResolveTenant(c *gin.Context) {
	handle, err := s.tenants.Resolve(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newTenantResponse(handle)})
}

func (s *Server) DeleteTenant(c *gin.Context) {
	if err := s.tenants.Delete(c.Request.Context(), c.Param("user_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
