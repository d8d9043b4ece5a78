package middleware

import (
	"net/http"
	"runtime/debug"

	"consult-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler 统一错误处理：handler 通过 c.Error 挂上的错误在这里记录并兜底响应
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		status := c.Writer.Status()

		logger.GetLogger().WithFields(map[string]interface{}{
			"error":      err.Error(),
			"status":     status,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"request_id": c.GetString("request_id"),
		}).Error("请求处理失败")

		if !c.Writer.Written() {
			if status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			abortJSON(c, status, getErrorCode(status), getErrorMessage(status), err.Error())
		}
	}
}

// Recovery 恢复中间件，处理panic
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.GetLogger().WithFields(map[string]interface{}{
					"error":      err,
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"request_id": c.GetString("request_id"),
					"stack":      string(debug.Stack()),
				}).Error("系统发生panic")

				abortJSON(c, http.StatusInternalServerError, 5000, "Internal server error", "internal error, please contact the administrator")
			}
		}()

		c.Next()
	}
}

func getErrorCode(status int) int {
	switch status {
	case http.StatusBadRequest:
		return 1000
	case http.StatusUnauthorized:
		return 1001
	case http.StatusForbidden:
		return 1002
	case http.StatusNotFound:
		return 1003
	case http.StatusTooManyRequests:
		return 1005
	case http.StatusConflict:
		return 2007
	case http.StatusServiceUnavailable:
		return 5003
	default:
		return 5000
	}
}

func getErrorMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid request parameters"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusTooManyRequests:
		return "Too many requests"
	case http.StatusConflict:
		return "Resource conflict"
	case http.StatusServiceUnavailable:
		return "Service temporarily unavailable"
	default:
		return "Internal server error"
	}
}
