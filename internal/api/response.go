package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ResponseCode 响应代码定义
type ResponseCode int

const (
	CodeSuccess ResponseCode = 200

	// 客户端错误 1xxx
	CodeBadRequest       ResponseCode = 1000 // invalid request parameters
	CodeUnauthorized     ResponseCode = 1001 // unauthorized
	CodeForbidden        ResponseCode = 1002 // forbidden
	CodeNotFound         ResponseCode = 1003 // resource not found
	CodeMethodNotAllowed ResponseCode = 1004 // method not allowed
	CodeTooManyRequests  ResponseCode = 1005 // too many requests
	CodeInvalidParameter ResponseCode = 1006 // invalid parameter
	CodeMissingParameter ResponseCode = 1007 // missing parameter

	// 业务错误 2xxx
	CodeBusinessError         ResponseCode = 2000 // generic business error
	CodeInvitationExpired     ResponseCode = 2001 // invitation is past its expiry
	CodeInvitationNotPending  ResponseCode = 2002 // invitation already answered or expired
	CodeSubmissionNotMatching ResponseCode = 2003 // submission is no longer waiting for a consultant
	CodeRefundNotEligible     ResponseCode = 2004 // submission does not qualify for a refund
	CodeSweepInProgress       ResponseCode = 2005 // another sweep holds the lock
	CodeConflict              ResponseCode = 2007 // resource conflict

	// 支付相关 4xxx
	CodeInsufficientTokens ResponseCode = 40201 // token balance too low

	// 服务器错误 5xxx
	CodeInternalError      ResponseCode = 5000 // internal server error
	CodeServiceUnavailable ResponseCode = 5003 // service unavailable
)

// ResponseMessage 响应消息映射
var ResponseMessage = map[ResponseCode]string{
	CodeSuccess:               "success",
	CodeBadRequest:            "Invalid request parameters",
	CodeUnauthorized:          "Unauthorized",
	CodeForbidden:             "Forbidden",
	CodeNotFound:              "Resource not found",
	CodeMethodNotAllowed:      "Method not allowed",
	CodeTooManyRequests:       "Too many requests",
	CodeInvalidParameter:      "Invalid parameter",
	CodeMissingParameter:      "Missing required parameter",
	CodeBusinessError:         "Business operation failed",
	CodeInvitationExpired:     "Invitation expired",
	CodeInvitationNotPending:  "Invitation is not pending",
	CodeSubmissionNotMatching: "Submission is not waiting for a consultant",
	CodeRefundNotEligible:     "Submission is not eligible for a refund",
	CodeSweepInProgress:       "A sweep is already running",
	CodeConflict:              "Resource conflict",
	CodeInsufficientTokens:    "Insufficient tokens",
	CodeInternalError:         "Internal server error",
	CodeServiceUnavailable:    "Service temporarily unavailable",
}

// BaseResponse base response envelope
type BaseResponse struct {
	Code      ResponseCode `json:"code"`       // response code
	Message   string       `json:"message"`    // response message
	Timestamp int64        `json:"timestamp"`  // timestamp (ms)
	RequestID string       `json:"request_id"` // request id
}

// SuccessResponse success response with data payload
type SuccessResponse struct {
	BaseResponse
	Data interface{} `json:"data,omitempty"` // response data
}

// ErrorResponse error response with details
type ErrorResponse struct {
	BaseResponse
	Error  string       `json:"error,omitempty"`  // error detail
	Errors []FieldError `json:"errors,omitempty"` // field errors
}

// FieldError field error information
type FieldError struct {
	Field   string `json:"field"`           // field name
	Message string `json:"message"`         // error message
	Value   string `json:"value,omitempty"` // field value
}

// Pagination pagination info
type Pagination struct {
	Page      int `json:"page"`       // current page number
	PageSize  int `json:"page_size"`  // page size
	Total     int `json:"total"`      // total records
	TotalPage int `json:"total_page"` // total pages
}

// PaginatedResponse paginated response with list and pagination info
type PaginatedResponse struct {
	BaseResponse
	Data       interface{} `json:"data"`       // data list
	Pagination Pagination  `json:"pagination"` // pagination info
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(data interface{}) *SuccessResponse {
	return &SuccessResponse{
		BaseResponse: BaseResponse{
			Code:    CodeSuccess,
			Message: ResponseMessage[CodeSuccess],
		},
		Data: data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code ResponseCode, err string) *ErrorResponse {
	return &ErrorResponse{
		BaseResponse: BaseResponse{
			Code:    code,
			Message: ResponseMessage[code],
		},
		Error: err,
	}
}

// NewErrorResponseWithFields 创建带字段错误的错误响应
func NewErrorResponseWithFields(code ResponseCode, err string, fieldErrors []FieldError) *ErrorResponse {
	resp := NewErrorResponse(code, err)
	resp.Errors = fieldErrors
	return resp
}

// NewPaginatedResponse 创建分页响应
func NewPaginatedResponse(data interface{}, page, pageSize, total int) *PaginatedResponse {
	totalPage := 0
	if pageSize > 0 {
		totalPage = (total + pageSize - 1) / pageSize
	}
	return &PaginatedResponse{
		BaseResponse: BaseResponse{
			Code:    CodeSuccess,
			Message: ResponseMessage[CodeSuccess],
		},
		Data: data,
		Pagination: Pagination{
			Page:      page,
			PageSize:  pageSize,
			Total:     total,
			TotalPage: totalPage,
		},
	}
}

// SetRequestInfo 设置请求信息
func (r *BaseResponse) SetRequestInfo(c *gin.Context) {
	r.Timestamp = time.Now().UnixMilli()
	r.RequestID = c.GetString("request_id")
}

// JSONSuccess 返回成功JSON响应
func JSONSuccess(c *gin.Context, data interface{}) {
	resp := NewSuccessResponse(data)
	resp.SetRequestInfo(c)
	c.JSON(http.StatusOK, resp)
}

// JSONCreated 返回201
func JSONCreated(c *gin.Context, data interface{}) {
	resp := NewSuccessResponse(data)
	resp.SetRequestInfo(c)
	c.JSON(http.StatusCreated, resp)
}

// JSONError 返回错误JSON响应
func JSONError(c *gin.Context, code ResponseCode, err string) {
	resp := NewErrorResponse(code, err)
	resp.SetRequestInfo(c)
	c.JSON(getHTTPStatusCode(code), resp)
}

// JSONErrorWithFields 返回带字段错误的JSON响应
func JSONErrorWithFields(c *gin.Context, code ResponseCode, err string, fieldErrors []FieldError) {
	resp := NewErrorResponseWithFields(code, err, fieldErrors)
	resp.SetRequestInfo(c)
	c.JSON(getHTTPStatusCode(code), resp)
}

// JSONPaginated 返回分页JSON响应
func JSONPaginated(c *gin.Context, data interface{}, page, pageSize, total int) {
	resp := NewPaginatedResponse(data, page, pageSize, total)
	resp.SetRequestInfo(c)
	c.JSON(http.StatusOK, resp)
}

// getHTTPStatusCode 根据响应代码获取HTTP状态码
func getHTTPStatusCode(code ResponseCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeInsufficientTokens:
		return http.StatusPaymentRequired
	case CodeBusinessError:
		return http.StatusUnprocessableEntity
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	switch {
	case code >= 1000 && code < 2000:
		return http.StatusBadRequest
	case code > 2000 && code < 3000:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
