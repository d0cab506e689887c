package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/middleware"
	"vpnhub/internal/api/response"
	"vpnhub/internal/model"
	"vpnhub/internal/service"
)

type TariffHandler struct {
	tariffs *service.TariffService
}

func NewTariffHandler(tariffs *service.TariffService) *TariffHandler {
	return &TariffHandler{tariffs: tariffs}
}

func RegisterTariffRoutes(group *gin.RouterGroup, tariffs *service.TariffService) {
	handler := NewTariffHandler(tariffs)
	sub := group.Group("/tariffs")
	sub.GET("", handler.List)
	sub.GET("/:id", handler.Get)
	sub.GET("/groups/:group/subgroups", handler.Subgroups)
	sub.POST("", middleware.RequireSuperadmin(), handler.Create)
	sub.PUT("/:id", middleware.RequireSuperadmin(), handler.Update)
	sub.DELETE("/:id", middleware.RequireSuperadmin(), handler.Delete)
}

func (h *TariffHandler) List(c *gin.Context) {
	if group := c.Query("group"); group != "" {
		activeOnly := c.Query("active") == "true"
		items, err := h.tariffs.ListGroup(c.Request.Context(), group, activeOnly)
		if err != nil {
			handleServiceError(c, err)
			return
		}
		response.Success(c, items)
		return
	}

	items, err := h.tariffs.List(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, items)
}

func (h *TariffHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff id")
		return
	}
	tariff, err := h.tariffs.Get(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, tariff)
}

type subgroupItem struct {
	Hash  string `json:"hash"`
	Title string `json:"title"`
}

func (h *TariffHandler) Subgroups(c *gin.Context) {
	byHash, order, err := h.tariffs.Subgroups(c.Request.Context(), c.Param("group"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	items := make([]subgroupItem, 0, len(order))
	for _, hash := range order {
		items = append(items, subgroupItem{Hash: hash, Title: byHash[hash]})
	}
	response.Success(c, items)
}

func (h *TariffHandler) Create(c *gin.Context) {
	var tariff model.Tariff
	if err := c.ShouldBindJSON(&tariff); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff document")
		return
	}
	created, err := h.tariffs.Create(c.Request.Context(), &tariff)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, created)
}

func (h *TariffHandler) Update(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff id")
		return
	}
	var tariff model.Tariff
	if err := c.ShouldBindJSON(&tariff); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff document")
		return
	}
	tariff.ID = id
	updated, err := h.tariffs.Update(c.Request.Context(), &tariff)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, updated)
}

func (h *TariffHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrTariffInvalid, "invalid tariff id")
		return
	}
	if err := h.tariffs.Delete(c.Request.Context(), id); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}
