package middleware

import (
	"net/http"

	"consult-service/pkg/metrics"

	"github.com/gin-gonic/gin"
)

func forbiddenJSON(c *gin.Context, err string) {
	metrics.RecordPermissionDenied(c.Request.Context(), c.FullPath(), c.GetString("userID"), err)
	abortJSON(c, http.StatusForbidden, 1002, "Forbidden", err)
}

// RequireRole 要求特定角色
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole := c.GetString("userRole")
		if userRole == "" {
			forbiddenJSON(c, "Missing userRole")
			return
		}
		for _, r := range roles {
			if r == userRole {
				c.Next()
				return
			}
		}
		forbiddenJSON(c, "Role not allowed")
	}
}

// RequirePermission 平台管理员直接放行，其余按令牌携带的权限校验
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool("isPlatformAdmin") {
			c.Next()
			return
		}
		v, exists := c.Get("permissions")
		if !exists {
			forbiddenJSON(c, "Missing permissions in context")
			return
		}
		perms, _ := v.([]string)
		for _, p := range perms {
			if p == perm || p == "*" {
				c.Next()
				return
			}
		}
		forbiddenJSON(c, "Permission denied: "+perm)
	}
}

// RequirePlatformAdmin 仅平台管理员可访问
func RequirePlatformAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("isPlatformAdmin") {
			forbiddenJSON(c, "Platform admin required")
			return
		}
		c.Next()
	}
}

// RequireConsultant 调用方必须有顾问档案
func RequireConsultant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("consultantID") == "" {
			forbiddenJSON(c, "Consultant profile required")
			return
		}
		c.Next()
	}
}
