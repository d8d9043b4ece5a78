package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"consult-service/internal/config"
	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
)

const TokenIssuerName = "consult-service"

// principal 认证后的调用方，按用户ID短暂缓存
type principal struct {
	User         models.User
	ConsultantID string
}

// JWTAuth JWT认证中间件
func JWTAuth(svc *service.ConsultService) gin.HandlerFunc {
	issuer := NewTokenIssuer(svc.Config.Security.JWTSecret, TokenIssuerName, svc.Config.Security.JWTExpiration)
	ttl := svc.Config.Security.UserCacheTTL
	var users *cache.Cache
	if ttl > 0 {
		users = cache.New(ttl, 2*ttl)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		authHeader := c.GetHeader("Authorization")
		// 浏览器 websocket 无法设置请求头，允许通过查询参数携带令牌
		if authHeader == "" && websocket.IsWebSocketUpgrade(c.Request) {
			if t := c.Query("access_token"); t != "" {
				authHeader = "Bearer " + t
			}
		}
		if authHeader == "" {
			metrics.RecordAuthFailure(ctx, "jwt", "missing_header", c.ClientIP())
			unauthorized(c, "Missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			metrics.RecordAuthFailure(ctx, "jwt", "bad_format", c.ClientIP())
			unauthorized(c, "Invalid authorization header format")
			return
		}

		claims, err := issuer.Parse(parts[1])
		if err != nil {
			metrics.RecordAuthFailure(ctx, "jwt", "invalid_token", c.ClientIP())
			unauthorized(c, "Invalid or expired token")
			return
		}

		var p *principal
		if users != nil {
			if v, ok := users.Get(claims.UserID); ok {
				p = v.(*principal)
			}
		}
		if p == nil {
			p, err = loadPrincipal(c, svc, claims.UserID)
			if err != nil {
				metrics.RecordAuthFailure(ctx, "jwt", "user_inactive", c.ClientIP())
				unauthorized(c, "User not found or inactive")
				return
			}
			if users != nil {
				users.Set(claims.UserID, p, cache.DefaultExpiration)
			}
		}

		c.Set("userID", p.User.ID)
		c.Set("userEmail", p.User.Email)
		c.Set("userRole", p.User.Role)
		c.Set("isPlatformAdmin", p.User.IsPlatformAdmin)
		if p.ConsultantID != "" {
			c.Set("consultantID", p.ConsultantID)
		}

		perms := claims.Permissions
		if p.User.IsPlatformAdmin {
			perms = allPermissionIDs()
		}
		c.Set("permissions", perms)

		c.Next()
	}
}

func loadPrincipal(c *gin.Context, svc *service.ConsultService, userID string) (*principal, error) {
	user, err := svc.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.StatusActive {
		return nil, service.ErrUserNotFound
	}
	p := &principal{User: *user}
	if user.Role == models.RoleConsultant {
		consultant, err := svc.GetConsultantByUserID(c.Request.Context(), user.ID)
		if err != nil && !errors.Is(err, service.ErrConsultantNotFound) {
			return nil, err
		}
		if consultant != nil {
			p.ConsultantID = consultant.ID
		}
	}
	return p, nil
}

func allPermissionIDs() []string {
	ids := make([]string, 0, len(config.PermissionList))
	for _, p := range config.PermissionList {
		ids = append(ids, p.ID)
	}
	return ids
}

func unauthorized(c *gin.Context, detail string) {
	abortJSON(c, http.StatusUnauthorized, 1001, "Unauthorized", detail)
}

func abortJSON(c *gin.Context, status, code int, message, detail string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":       code,
		"message":    message,
		"error":      detail,
		"timestamp":  time.Now().UnixMilli(),
		"request_id": c.GetString("request_id"),
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
	})
}
