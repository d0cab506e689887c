package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/response"
	"vpnhub/internal/model"
	"vpnhub/internal/service"
)

const adminContextKey = "admin"

// AdminAuth resolves the presented token to an admin row and stores it
// on the context. Tokens travel in X-Admin-Token or as a bearer header.
func AdminAuth(auth *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		admin, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		c.Set(adminContextKey, admin)
		c.Next()
	}
}

// RequireSuperadmin gates mutating admin endpoints.
func RequireSuperadmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := GetAdmin(c)
		if !ok {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		if admin.Role != model.AdminRoleSuperadmin {
			response.Fail(c, 403, response.ErrForbidden, "forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

func GetAdmin(c *gin.Context) (*model.Admin, bool) {
	val, ok := c.Get(adminContextKey)
	if !ok {
		return nil, false
	}
	admin, ok := val.(*model.Admin)
	if !ok || admin == nil {
		return nil, false
	}
	return admin, true
}

func tokenFromRequest(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader("X-Admin-Token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
