package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultTenantHeader carries the tenant (group) name.
const DefaultTenantHeader = "X-Tenant-Name"

type tenantContextKey string

const tenantNameContextKey tenantContextKey = "tenantName"

// TenantConfig captures the knobs for tenant extraction.
type TenantConfig struct {
	// HeaderName defaults to DefaultTenantHeader.
	HeaderName string
	// Optional lets requests without the header through with no tenant set.
	Optional bool
}

// TenantExtractor reads the tenant name from the configured header. The value
// is URL-unescaped since tenant names may contain non-ASCII characters.
func TenantExtractor(cfg TenantConfig) gin.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultTenantHeader
	}

	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerName))
		if raw == "" {
			if cfg.Optional {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "missing tenant name",
			})
			return
		}

		tenant, err := url.PathUnescape(raw)
		if err != nil || tenant == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid tenant name encoding",
			})
			return
		}

		c.Set(string(tenantNameContextKey), tenant)
		ctx := context.WithValue(c.Request.Context(), tenantNameContextKey, tenant)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TenantFromGinContext returns the tenant stored by TenantExtractor.
func TenantFromGinContext(c *gin.Context) (string, bool) {
	if value, ok := c.Get(string(tenantNameContextKey)); ok {
		if tenant, ok := value.(string); ok && tenant != "" {
			return tenant, true
		}
	}
	return "", false
}

// TenantFromContext returns the tenant from a request context.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantNameContextKey).(string)
	return tenant, ok && tenant != ""
}
