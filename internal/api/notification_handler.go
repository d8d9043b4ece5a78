package api

import (
	"context"
	"strconv"

	"consult-service/internal/service"
	"consult-service/pkg/logger"
	"consult-service/pkg/utils"

	"github.com/gin-gonic/gin"
)

type NotificationHandler struct{ service *service.ConsultService }

func NewNotificationHandler(svc *service.ConsultService) *NotificationHandler {
	return &NotificationHandler{service: svc}
}

// GET /api/v1/notifications?unread=true
func (h *NotificationHandler) List(c *gin.Context) {
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
	list, total, err := h.service.ListNotifications(c.Request.Context(), c.GetString("userID"), unread, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONPaginated(c, list, page, size, int(total))
}

// POST /api/v1/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.MarkNotificationRead(c.Request.Context(), c.GetString("userID"), id); err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, NotificationReadResponse{ID: id, IsRead: true})
}

// GET /api/v1/notifications/ws 站内信实时推送
func (h *NotificationHandler) WebSocket(c *gin.Context) {
	userID := c.GetString("userID")
	conn, err := h.service.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logger.GetLogger().WithError(err).WithField("request_id", c.GetString("request_id")).Warn("WebSocket升级失败")
		return
	}

	log := logger.GetLogger().WithFields(map[string]interface{}{
		"request_id": c.GetString("request_id"),
		"user_id":    userID,
	})
	log.Info("WebSocket连接建立")
	if err := h.service.Hub.Serve(c.Request.Context(), userID, conn); err != nil && err != context.Canceled {
		log.WithError(err).Warn("WebSocket连接异常结束")
		return
	}
	log.Info("WebSocket连接关闭")
}
