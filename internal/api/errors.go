package api

import (
	"context"
	"errors"
	"strings"

	"consult-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// errorCodes service 哨兵错误到响应码的映射
var errorCodes = []struct {
	err  error
	code ResponseCode
}{
	{service.ErrInvalidInput, CodeInvalidParameter},
	{service.ErrInvalidAmount, CodeInvalidParameter},
	{service.ErrInvalidTransactionType, CodeInvalidParameter},
	{service.ErrUserNotFound, CodeNotFound},
	{service.ErrSubmissionNotFound, CodeNotFound},
	{service.ErrConsultantNotFound, CodeNotFound},
	{service.ErrInvitationNotFound, CodeNotFound},
	{service.ErrNotificationNotFound, CodeNotFound},
	{gorm.ErrRecordNotFound, CodeNotFound},
	{service.ErrInsufficientTokens, CodeInsufficientTokens},
	{service.ErrInvitationExpired, CodeInvitationExpired},
	{service.ErrInvitationNotPending, CodeInvitationNotPending},
	{service.ErrSubmissionNotMatching, CodeSubmissionNotMatching},
	{service.ErrSubmissionNotMatchable, CodeSubmissionNotMatching},
	{service.ErrRefundNotEligible, CodeRefundNotEligible},
	{service.ErrRefundNotClaimed, CodeRefundNotEligible},
	{service.ErrSweepInProgress, CodeSweepInProgress},
	{context.DeadlineExceeded, CodeServiceUnavailable},
}

// respondError 将 service 错误写成统一响应；未识别的错误按 500 处理并交给 ErrorHandler 记录
func respondError(c *gin.Context, err error) {
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			JSONError(c, m.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	JSONError(c, CodeInternalError, "internal error")
}

// bindJSON 绑定请求体，校验失败时按字段返回；缺少必填字段用 CodeMissingParameter
func bindJSON(c *gin.Context, obj interface{}) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		JSONError(c, CodeInvalidParameter, "请求体格式错误")
		return false
	}
	code := CodeInvalidParameter
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		msg := name + " failed " + fe.Tag()
		if fe.Tag() == "required" {
			code = CodeMissingParameter
			msg = name + " is required"
		}
		fields = append(fields, FieldError{Field: name, Message: msg})
	}
	JSONErrorWithFields(c, code, "参数验证失败", fields)
	return false
}
