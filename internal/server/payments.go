package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader = "sign"
	// maxWebhookBody bounds a notification body; real ones are well under 4KiB.
	maxWebhookBody = 64 << 10
)

// HandlePaymentWebhook applies a processor notification. Every handled
// outcome answers 200 so the processor stops retrying; only unverifiable or
// malformed notifications are rejected.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := strings.TrimSpace(c.GetHeader(signatureHeader))
	result, err := s.paymentSvc.ApplyPaymentNotification(c.Request.Context(), payload, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.paymentSvc.Packages()})
}
