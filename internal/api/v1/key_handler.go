package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vpnhub/internal/api/response"
	"vpnhub/internal/cluster"
	"vpnhub/internal/panel"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
)

// DeviceManager is the coordinator surface for HWID pass-through.
type DeviceManager interface {
	HwidDevices(ctx context.Context, clusterID string, clientID uuid.UUID) ([]panel.HwidDevice, error)
	DeleteHwidDevice(ctx context.Context, clusterID string, clientID uuid.UUID, hwid string) error
}

type KeyHandler struct {
	keys    *service.KeyService
	keyRepo repository.KeyRepository
	devices DeviceManager
}

func NewKeyHandler(keys *service.KeyService, keyRepo repository.KeyRepository, devices DeviceManager) *KeyHandler {
	return &KeyHandler{keys: keys, keyRepo: keyRepo, devices: devices}
}

func RegisterKeyRoutes(group *gin.RouterGroup, keys *service.KeyService, keyRepo repository.KeyRepository, devices DeviceManager) {
	handler := NewKeyHandler(keys, keyRepo, devices)
	sub := group.Group("/keys")
	sub.GET("", handler.List)
	sub.POST("", handler.Create)
	sub.GET("/:client_id", handler.Get)
	sub.DELETE("/:client_id", handler.Delete)
	sub.POST("/:client_id/renew", handler.Renew)
	sub.POST("/:client_id/freeze", handler.Freeze)
	sub.POST("/:client_id/unfreeze", handler.Unfreeze)
	sub.PUT("/:client_id/alias", handler.SetAlias)
	sub.PUT("/:client_id/config", handler.ApplyConfig)
	sub.PUT("/:client_id/subgroup", handler.MigrateSubgroup)
	sub.GET("/:client_id/devices", handler.ListDevices)
	sub.DELETE("/:client_id/devices/:hwid", handler.DeleteDevice)
}

func (h *KeyHandler) List(c *gin.Context) {
	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 50)

	filter := repository.KeyListFilter{
		Pagination: repository.Pagination{
			Limit:  int32(pageSize),
			Offset: int32((page - 1) * pageSize),
		},
	}
	if raw := strings.TrimSpace(c.Query("tg_id")); raw != "" {
		tgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid tg_id")
			return
		}
		filter.TgID = &tgID
	}
	if raw := strings.TrimSpace(c.Query("server_id")); raw != "" {
		filter.ServerID = &raw
	}
	if raw := c.Query("frozen"); raw != "" {
		frozen := raw == "true"
		filter.Frozen = &frozen
	}

	items, err := h.keyRepo.List(c.Request.Context(), filter)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, items)
}

func (h *KeyHandler) Get(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	key, err := h.keyRepo.FindByClientID(c.Request.Context(), clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

func (h *KeyHandler) Create(c *gin.Context) {
	var req service.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	key, err := h.keys.Create(c.Request.Context(), req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

type renewRequest struct {
	TariffID int64 `json:"tariff_id" binding:"required"`
}

func (h *KeyHandler) Renew(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	key, err := h.keys.Renew(c.Request.Context(), clientID, req.TariffID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

func (h *KeyHandler) Delete(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	if err := h.keys.Delete(c.Request.Context(), clientID); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *KeyHandler) Freeze(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	key, err := h.keys.Freeze(c.Request.Context(), clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

func (h *KeyHandler) Unfreeze(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	key, err := h.keys.Unfreeze(c.Request.Context(), clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (h *KeyHandler) SetAlias(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	var req aliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	if err := h.keys.SetAlias(c.Request.Context(), clientID, req.Alias); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}

type applyConfigRequest struct {
	DeviceLimit int `json:"device_limit"`
	TrafficGB   int `json:"traffic_gb"`
}

func (h *KeyHandler) ApplyConfig(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	var req applyConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	key, err := h.keys.ApplyConfig(c.Request.Context(), clientID, req.DeviceLimit, req.TrafficGB)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

type migrateRequest struct {
	TariffID int64 `json:"tariff_id" binding:"required"`
}

func (h *KeyHandler) MigrateSubgroup(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid body")
		return
	}
	key, err := h.keys.MigrateSubgroup(c.Request.Context(), clientID, req.TariffID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, key)
}

func (h *KeyHandler) ListDevices(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	key, err := h.keyRepo.FindByClientID(c.Request.Context(), clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	devices, err := h.devices.HwidDevices(c.Request.Context(), key.ServerID, clientID)
	if err != nil {
		if errors.Is(err, cluster.ErrHwidUnsupported) {
			response.Fail(c, http.StatusConflict, response.ErrProvisioning, err.Error())
			return
		}
		handleServiceError(c, err)
		return
	}
	response.Success(c, devices)
}

func (h *KeyHandler) DeleteDevice(c *gin.Context) {
	clientID, ok := clientIDParam(c)
	if !ok {
		return
	}
	hwid := strings.TrimSpace(c.Param("hwid"))
	if hwid == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "hwid is required")
		return
	}
	key, err := h.keyRepo.FindByClientID(c.Request.Context(), clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if err := h.devices.DeleteHwidDevice(c.Request.Context(), key.ServerID, clientID, hwid); err != nil {
		if errors.Is(err, cluster.ErrHwidUnsupported) {
			response.Fail(c, http.StatusConflict, response.ErrProvisioning, err.Error())
			return
		}
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}

func clientIDParam(c *gin.Context) (uuid.UUID, bool) {
	clientID, err := uuid.Parse(c.Param("client_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrKeyNotFound, "invalid client id")
		return uuid.Nil, false
	}
	return clientID, true
}
