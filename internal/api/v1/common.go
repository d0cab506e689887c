// Package v1 is the admin HTTP surface: settings, tariffs, keys, admins
// and the payment webhook receiver.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/response"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
)

func parseIntOrDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// handleServiceError maps lifecycle-service sentinels onto app codes.
func handleServiceError(c *gin.Context, err error) {
	var payErr *service.PaymentRequiredError
	switch {
	case errors.As(err, &payErr):
		response.Fail(c, http.StatusPaymentRequired, response.ErrPaymentRequired,
			"payment of "+payErr.Shortfall.String()+" required")
	case errors.Is(err, service.ErrUserNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
	case errors.Is(err, service.ErrUserBanned):
		response.Fail(c, http.StatusForbidden, response.ErrUserBanned, "user is banned")
	case errors.Is(err, service.ErrKeyNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrKeyNotFound, "key not found")
	case errors.Is(err, service.ErrKeyFrozen):
		response.Fail(c, http.StatusConflict, response.ErrKeyFrozen, "key is frozen")
	case errors.Is(err, service.ErrKeyNotFrozen):
		response.Fail(c, http.StatusConflict, response.ErrKeyNotFrozen, "key is not frozen")
	case errors.Is(err, service.ErrTariffNotFound), errors.Is(err, service.ErrTariffInactive):
		response.Fail(c, http.StatusNotFound, response.ErrTariffNotFound, "tariff not found")
	case errors.Is(err, service.ErrInvalidTariff):
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff")
	case errors.Is(err, service.ErrTrialAlreadyUsed):
		response.Fail(c, http.StatusConflict, response.ErrTariffInvalid, "trial already used")
	case errors.Is(err, service.ErrDowngradeNotAllowed):
		response.Fail(c, http.StatusConflict, response.ErrTariffInvalid, "downgrade is not allowed")
	case errors.Is(err, service.ErrCouponNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrCouponNotFound, "coupon not found")
	case errors.Is(err, service.ErrCouponExhausted):
		response.Fail(c, http.StatusConflict, response.ErrCouponRejected, "coupon is exhausted")
	case errors.Is(err, service.ErrCouponAlreadyUsed):
		response.Fail(c, http.StatusConflict, response.ErrCouponRejected, "coupon already redeemed")
	case errors.Is(err, service.ErrCouponNewUsersOnly):
		response.Fail(c, http.StatusConflict, response.ErrCouponRejected, "coupon is for new users only")
	case errors.Is(err, service.ErrProvisioningFailed):
		response.Fail(c, http.StatusBadGateway, response.ErrProvisioning, "provisioning failed")
	case errors.Is(err, repository.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrInternal, "not found")
	case errors.Is(err, repository.ErrDuplicate):
		response.Fail(c, http.StatusConflict, response.ErrInternal, "duplicate record")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
