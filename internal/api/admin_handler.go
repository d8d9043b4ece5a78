package api

import (
	"fmt"
	"strconv"

	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/pkg/logger"
	"consult-service/pkg/utils"

	"github.com/gin-gonic/gin"
)

// AdminHandler 管理员处理器：清扫、退款、重新匹配、代币与审计
type AdminHandler struct {
	service *service.ConsultService
}

// NewAdminHandler 创建管理员处理器
func NewAdminHandler(svc *service.ConsultService) *AdminHandler {
	return &AdminHandler{service: svc}
}

// @Summary 手动触发过期与退款清扫
// @Description 同步执行一次清扫并返回报告；dry_run=true 时只列出将被处理的对象
// @Tags Admin
// @Accept json
// @Produce json
// @Param dry_run query bool false "只预览不写入"
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/sweeps [post]
func (h *AdminHandler) RunSweep(c *gin.Context) {
	var req RunSweepRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	if dry, err := strconv.ParseBool(c.DefaultQuery("dry_run", "false")); err == nil && dry {
		req.DryRun = true
	}

	ctx := c.Request.Context()
	if req.DryRun {
		report, err := h.service.DryRun(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		JSONSuccess(c, report)
		return
	}

	report, err := h.service.RunSweep(ctx, service.TriggerManual)
	if err != nil {
		if report != nil {
			_ = c.Error(err)
			JSONError(c, CodeInternalError, fmt.Sprintf("sweep %s failed: %v", report.RunID, err))
			return
		}
		respondError(c, err)
		return
	}
	logger.GetLogger().WithFields(map[string]interface{}{
		"request_id": c.GetString("request_id"),
		"admin_id":   c.GetString("userID"),
		"run_id":     report.RunID,
	}).Info("管理员触发清扫")
	JSONSuccess(c, report)
}

// @Summary 清扫历史
// @Tags Admin
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/admin/sweeps [get]
func (h *AdminHandler) ListSweepRuns(c *gin.Context) {
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	runs, total, err := h.service.ListSweepRuns(c.Request.Context(), page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONPaginated(c, runs, page, size, int(total))
}

func (h *AdminHandler) GetSweepRun(c *gin.Context) {
	run, err := h.service.GetSweepRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, run)
}

// @Summary 立即为单个提交退款
// @Description 与清扫使用相同的资格条件
// @Tags Admin
// @Produce json
// @Param id path string true "提交ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/submissions/{id}/refund [post]
func (h *AdminHandler) RefundSubmission(c *gin.Context) {
	outcome, err := h.service.RefundSubmission(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, outcome)
}

// MatchSubmission 重新邀请顾问
func (h *AdminHandler) MatchSubmission(c *gin.Context) {
	result, err := h.service.MatchSubmission(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, result)
}

// @Summary 给用户加代币
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "用户ID"
// @Param body body GrantTokensRequest true "金额与类型"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/admin/users/{id}/tokens [post]
func (h *AdminHandler) GrantTokens(c *gin.Context) {
	var req GrantTokensRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Type == "" {
		req.Type = models.TransactionTypeAdjustment
	}
	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	req.Metadata["granted_by"] = c.GetString("userID")

	entry, err := h.service.CreditTokens(c.Request.Context(), c.Param("id"), req.Amount, req.Type, req.Description, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, entry)
}

// @Summary 审计日志
// @Tags Admin
// @Produce json
// @Param action query string false "动作"
// @Param subject_type query string false "对象类型"
// @Param subject_id query string false "对象ID"
// @Param actor_id query string false "操作者"
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/admin/audit-logs [get]
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	logs, total, err := h.service.ListAuditLogs(c.Request.Context(), service.AuditFilter{
		Action:      c.Query("action"),
		SubjectType: c.Query("subject_type"),
		SubjectID:   c.Query("subject_id"),
		ActorID:     c.Query("actor_id"),
		Page:        page,
		PageSize:    size,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	JSONPaginated(c, logs, page, size, int(total))
}

func (h *AdminHandler) ListAuditActions(c *gin.Context) {
	actions, err := h.service.ListAuditActions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, actions)
}
