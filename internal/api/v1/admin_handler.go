package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/middleware"
	"vpnhub/internal/api/response"
	"vpnhub/internal/model"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
)

type AdminHandler struct {
	auth   *service.AuthService
	admins repository.AdminRepository
}

func NewAdminHandler(auth *service.AuthService, admins repository.AdminRepository) *AdminHandler {
	return &AdminHandler{auth: auth, admins: admins}
}

func RegisterAdminRoutes(group *gin.RouterGroup, auth *service.AuthService, admins repository.AdminRepository) {
	handler := NewAdminHandler(auth, admins)
	sub := group.Group("/admins")
	sub.Use(middleware.RequireSuperadmin())
	sub.GET("", handler.List)
	sub.POST("", handler.Create)
	sub.DELETE("/:tg_id", handler.Delete)
}

func (h *AdminHandler) List(c *gin.Context) {
	items, err := h.admins.List(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, items)
}

type createAdminRequest struct {
	TgID        int64  `json:"tg_id" binding:"required"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Create registers an admin and returns the plaintext token exactly
// once; only the salted hash survives.
func (h *AdminHandler) Create(c *gin.Context) {
	var req createAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}

	role := model.AdminRole(req.Role)
	if role != model.AdminRoleSuperadmin && role != model.AdminRoleModerator {
		role = model.AdminRoleModerator
	}

	token, err := h.auth.CreateAdmin(c.Request.Context(), req.TgID, role, req.Description)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"tg_id": req.TgID, "role": role, "token": token})
}

func (h *AdminHandler) Delete(c *gin.Context) {
	tgID, err := strconv.ParseInt(c.Param("tg_id"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid tg_id")
		return
	}
	if admin, ok := middleware.GetAdmin(c); ok && admin.TgID == tgID {
		response.Fail(c, http.StatusConflict, response.ErrForbidden, "cannot delete yourself")
		return
	}
	if err := h.auth.RemoveAdmin(c.Request.Context(), tgID); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}
