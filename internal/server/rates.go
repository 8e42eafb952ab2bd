package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListRates(c *gin.Context) {
	table, err := s.rates.Table()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": table.Entries()})
}
