package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserBanned          = errors.New("user is banned")
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyFrozen           = errors.New("key is frozen")
	ErrKeyNotFrozen        = errors.New("key is not frozen")
	ErrTariffNotFound      = errors.New("tariff not found")
	ErrTariffInactive      = errors.New("tariff is not active")
	ErrTrialAlreadyUsed    = errors.New("trial already used")
	ErrDowngradeNotAllowed = errors.New("downgrade is not allowed")
	ErrProvisioningFailed  = errors.New("provisioning failed on every endpoint")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponExhausted     = errors.New("coupon is exhausted")
	ErrCouponAlreadyUsed   = errors.New("coupon already redeemed by this user")
	ErrCouponNewUsersOnly  = errors.New("coupon is for new users only")
	ErrInvalidToken        = errors.New("invalid admin token")
)

// PaymentRequiredError reports a debit that could not be covered. The
// command has been parked; State names the temporary-data tag to resume
// under and Shortfall is the integer top-up still owed.
type PaymentRequiredError struct {
	State     string
	Shortfall decimal.Decimal
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment of %s required (state %s)", e.Shortfall, e.State)
}
