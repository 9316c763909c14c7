package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shulehub/shulehub/internal/tenantctx"
)

const schoolHeader = "X-School-ID"

// TenantMiddleware resolves the tenant from the X-School-ID header and
// stashes it on the request context. Every route behind it is
// tenant-scoped; a request without a valid school id never reaches a
// service.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(schoolHeader))
		if raw == "" {
			AbortWithError(c, newValidationError("school_id", "missing_school_id", "missing X-School-ID header"))
			return
		}
		schoolID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("school_id", "invalid_school_id", "invalid school id"))
			return
		}
		c.Request = c.Request.WithContext(tenantctx.WithSchoolID(c.Request.Context(), schoolID))
		c.Next()
	}
}

func parseID(c *gin.Context, name string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if err != nil {
		AbortWithError(c, newValidationError(name, "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
