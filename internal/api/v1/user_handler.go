package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"vpnhub/internal/api/response"
	"vpnhub/internal/ledger"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
)

type UserHandler struct {
	users       *service.UserService
	coupons     *service.CouponService
	userRepo    repository.UserRepository
	moneyLedger *ledger.Ledger
}

func NewUserHandler(
	users *service.UserService,
	coupons *service.CouponService,
	userRepo repository.UserRepository,
	moneyLedger *ledger.Ledger,
) *UserHandler {
	return &UserHandler{
		users:       users,
		coupons:     coupons,
		userRepo:    userRepo,
		moneyLedger: moneyLedger,
	}
}

func RegisterUserRoutes(
	group *gin.RouterGroup,
	users *service.UserService,
	coupons *service.CouponService,
	userRepo repository.UserRepository,
	moneyLedger *ledger.Ledger,
) {
	handler := NewUserHandler(users, coupons, userRepo, moneyLedger)
	sub := group.Group("/users")
	sub.POST("", handler.Ensure)
	sub.GET("/:tg_id", handler.Get)
	sub.GET("/:tg_id/referrals", handler.Referrals)
	sub.POST("/:tg_id/ban", handler.Ban)
	sub.POST("/:tg_id/unban", handler.Unban)
	sub.POST("/:tg_id/credit", handler.Credit)
	sub.POST("/:tg_id/coupons", handler.RedeemCoupon)
	sub.POST("/:tg_id/extended-trial", handler.OpenExtendedTrial)
}

// Ensure upserts the chat user: it is called for every first meaningful
// interaction and is idempotent.
func (h *UserHandler) Ensure(c *gin.Context) {
	var req service.EnsureUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TgID == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	user, err := h.users.Ensure(c.Request.Context(), req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Get(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	user, err := h.userRepo.FindByTgID(c.Request.Context(), tgID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Referrals(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	count, err := h.users.ReferralCount(c.Request.Context(), tgID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"referral_count": count})
}

func (h *UserHandler) Ban(c *gin.Context) {
	h.setBanned(c, true)
}

func (h *UserHandler) Unban(c *gin.Context) {
	h.setBanned(c, false)
}

func (h *UserHandler) setBanned(c *gin.Context, banned bool) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	if err := h.userRepo.SetBanned(c.Request.Context(), tgID, banned); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}

type creditRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	// Reference deduplicates repeated grants; optional.
	Reference string `json:"reference,omitempty"`
}

// Credit is the manual balance top-up. It goes through the ledger so a
// parked payment intent resumes exactly as it would after a provider
// webhook.
func (h *UserHandler) Credit(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount.Sign() <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "amount must be positive")
		return
	}
	balance, err := h.moneyLedger.Credit(c.Request.Context(), tgID, req.Amount, "admin", req.Reference)
	if err != nil {
		handleLedgerError(c, err)
		return
	}
	response.Success(c, gin.H{"balance": balance})
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *UserHandler) RedeemCoupon(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	result, err := h.coupons.Redeem(c.Request.Context(), tgID, req.Code)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *UserHandler) OpenExtendedTrial(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	if err := h.users.OpenExtendedTrial(c.Request.Context(), tgID); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}

func handleLedgerError(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case err == ledger.ErrDuplicatePayment:
		response.Fail(c, http.StatusConflict, response.ErrPaymentRejected, "duplicate payment")
	case err == ledger.ErrUserNotFound:
		response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
	case err == ledger.ErrInsufficientBalance:
		response.Fail(c, http.StatusConflict, response.ErrInsufficientFunds, "insufficient balance")
	default:
		handleServiceError(c, err)
	}
}

func tgIDParam(c *gin.Context) (int64, bool) {
	tgID, err := strconv.ParseInt(c.Param("tg_id"), 10, 64)
	if err != nil || tgID == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrUserNotFound, "invalid tg id")
		return 0, false
	}
	return tgID, true
}
