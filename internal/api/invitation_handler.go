package api

import (
	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// InvitationHandler 顾问侧的邀请列表与应答
type InvitationHandler struct{ service *service.ConsultService }

func NewInvitationHandler(svc *service.ConsultService) *InvitationHandler {
	return &InvitationHandler{service: svc}
}

var invitationStatuses = map[string]bool{
	models.InvitationStatusPending:  true,
	models.InvitationStatusAccepted: true,
	models.InvitationStatusDeclined: true,
	models.InvitationStatusExpired:  true,
}

// GET /api/v1/consultant/invitations
func (h *InvitationHandler) List(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !invitationStatuses[status] {
		JSONError(c, CodeInvalidParameter, "unknown status "+status)
		return
	}
	list, err := h.service.ListConsultantInvitations(c.Request.Context(), c.GetString("consultantID"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, list)
}

// POST /api/v1/consultant/invitations/:id/accept
func (h *InvitationHandler) Accept(c *gin.Context) { h.respond(c, true) }

// POST /api/v1/consultant/invitations/:id/decline
func (h *InvitationHandler) Decline(c *gin.Context) { h.respond(c, false) }

func (h *InvitationHandler) respond(c *gin.Context, accept bool) {
	inv, err := h.service.RespondToInvitation(c.Request.Context(), c.GetString("consultantID"), c.Param("id"), accept)
	if err != nil {
		logger.GetLogger().WithError(err).WithFields(map[string]interface{}{
			"request_id":    c.GetString("request_id"),
			"invitation_id": c.Param("id"),
			"accept":        accept,
		}).Warn("邀请应答失败")
		respondError(c, err)
		return
	}
	JSONSuccess(c, inv)
}
