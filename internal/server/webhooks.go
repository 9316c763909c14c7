package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/shulehub/shulehub/internal/gateway/domain"
)

// HandleGatewayWebhook receives provider notifications. A replay of an
// already journaled event answers 200 so the provider stops retrying; a
// failed signature check answers 401 and is never acknowledged.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
