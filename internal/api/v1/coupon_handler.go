package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/middleware"
	"vpnhub/internal/api/response"
	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type CouponHandler struct {
	coupons repository.CouponRepository
}

func NewCouponHandler(coupons repository.CouponRepository) *CouponHandler {
	return &CouponHandler{coupons: coupons}
}

func RegisterCouponRoutes(group *gin.RouterGroup, coupons repository.CouponRepository) {
	handler := NewCouponHandler(coupons)
	sub := group.Group("/coupons")
	sub.Use(middleware.RequireSuperadmin())
	sub.GET("", handler.List)
	sub.POST("", handler.Create)
	sub.DELETE("/:id", handler.Delete)
}

func (h *CouponHandler) List(c *gin.Context) {
	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 50)

	items, err := h.coupons.List(c.Request.Context(), repository.Pagination{
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, items)
}

func (h *CouponHandler) Create(c *gin.Context) {
	var coupon model.Coupon
	if err := c.ShouldBindJSON(&coupon); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	coupon.Code = strings.TrimSpace(coupon.Code)
	if coupon.Code == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "code is required")
		return
	}
	effects := 0
	if coupon.Amount != nil && coupon.Amount.Sign() > 0 {
		effects++
	}
	if coupon.Days != nil && *coupon.Days > 0 {
		effects++
	}
	if coupon.Percent != nil && *coupon.Percent > 0 {
		effects++
	}
	if effects != 1 {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal,
			"coupon must grant exactly one of amount, days or percent")
		return
	}
	if coupon.UsageLimit <= 0 {
		coupon.UsageLimit = 1
	}
	if err := h.coupons.Create(c.Request.Context(), &coupon); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, coupon)
}

func (h *CouponHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid coupon id")
		return
	}
	if err := h.coupons.Delete(c.Request.Context(), id); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}
