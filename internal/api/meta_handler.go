package api

import (
	"context"
	"net/http"
	"time"

	"consult-service/internal/config"
	"consult-service/internal/service"

	"github.com/gin-gonic/gin"
)

type MetaHandler struct{ service *service.ConsultService }

func NewMetaHandler(s *service.ConsultService) *MetaHandler { return &MetaHandler{service: s} }

// GetPermissions 权限目录，供管理端签发令牌时勾选
func (h *MetaHandler) GetPermissions(c *gin.Context) {
	JSONSuccess(c, config.PermissionList)
}

// Health 检查数据库与 redis 连通性
func (h *MetaHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Time: h.service.Clock.Now(), Services: map[string]string{}}

	resp.Services["database"] = "ok"
	if sqlDB, err := h.service.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		resp.Services["database"] = "down"
		resp.Status = "degraded"
	}

	if h.service.Redis == nil {
		resp.Services["redis"] = "disabled"
	} else if err := h.service.Redis.Ping(ctx).Err(); err != nil {
		resp.Services["redis"] = "down"
		resp.Status = "degraded"
	} else {
		resp.Services["redis"] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
