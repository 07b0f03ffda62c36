package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// Referral and enrollment.
const (
	CodeUnknownCode       = 1001
	CodeAffiliateInactive = 1002
	CodeAlreadyAttributed = 1003
	CodeLinkWindowExpired = 1004
	CodeSelfReferral      = 1005
	CodeAlreadyEnrolled   = 1006
	CodeCodeTaken         = 1007
)

// Commission events.
const (
	CodeInvalidEvent   = 1101
	CodeDuplicateEvent = 1102
)

// Payouts.
const (
	CodeInsufficientBalance     = 1201
	CodeBelowMinimum            = 1202
	CodeAboveMaximum            = 1203
	CodeAmountNotSettleable     = 1204
	CodeConcurrentClaimConflict = 1205
	CodeInvalidPayoutMethod     = 1206
)

// Workflow.
const (
	CodeInvalidStateTransition = 1301
	CodeNotesRequired          = 1302
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type PageData struct {
	List     interface{} `json:"list"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Page(c *gin.Context, list interface{}, total int64, page, pageSize int) {
	Success(c, PageData{List: list, Total: total, Page: page, PageSize: pageSize})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData reports a business error together with details the caller
// can act on, e.g. the nearest settleable payout amounts.
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, CodeUnauthorized, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
