package response

import "github.com/gin-gonic/gin"

const (
	CodeSuccess = 0
)

const (
	ErrUnauthorized = 10001
	ErrForbidden    = 10002
)

const (
	ErrUserNotFound = 20001
	ErrUserBanned   = 20002
)

const (
	ErrKeyNotFound     = 30001
	ErrKeyFrozen       = 30002
	ErrKeyNotFrozen    = 30003
	ErrProvisioning    = 30004
	ErrClusterNotFound = 30005
)

const (
	ErrTariffNotFound = 40001
	ErrTariffInvalid  = 40002
)

const (
	ErrPaymentRequired    = 50001
	ErrPaymentRejected    = 50002
	ErrProviderUnknown    = 50003
	ErrInsufficientFunds  = 50004
	ErrSettingsKeyUnknown = 50005
)

const (
	ErrCouponNotFound = 60001
	ErrCouponRejected = 60002
)

const (
	ErrInternal = 99999
)

type Response struct {
	Code       int         `json:"code"`
	Message    string      `json:"message"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

func Success(c *gin.Context, data any) {
	c.JSON(200, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Paginated(c *gin.Context, data any, page, pageSize int, total int64) {
	c.JSON(200, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
		Pagination: &Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func Fail(c *gin.Context, httpStatus, appCode int, message string) {
	c.JSON(httpStatus, Response{
		Code:    appCode,
		Message: message,
	})
}
