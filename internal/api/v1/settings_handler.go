package v1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/middleware"
	"vpnhub/internal/api/response"
	"vpnhub/internal/repository"
	"vpnhub/internal/settings"
)

type SettingsHandler struct {
	store *settings.Store
}

func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func RegisterSettingsRoutes(group *gin.RouterGroup, store *settings.Store) {
	handler := NewSettingsHandler(store)
	sub := group.Group("/settings")
	sub.GET("", handler.List)
	sub.GET("/:key", handler.Get)
	sub.PUT("/:key", middleware.RequireSuperadmin(), handler.Update)
}

// List returns every persisted scope document keyed by scope name.
// Scopes never written still run on defaults and are listed with null.
func (h *SettingsHandler) List(c *gin.Context) {
	out := make(map[string]json.RawMessage, len(settings.ScopeKeys()))
	for _, key := range settings.ScopeKeys() {
		value, err := h.store.Get(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				out[key] = nil
				continue
			}
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
			return
		}
		out[key] = value
	}
	response.Success(c, out)
}

func (h *SettingsHandler) Get(c *gin.Context) {
	value, err := h.store.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrSettingsKeyUnknown, "scope not configured")
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrSettingsKeyUnknown, "unknown settings key")
		return
	}
	response.Success(c, json.RawMessage(value))
}

// Update persists a raw scope document. Validation happens in the store:
// the document must decode into the scope's typed config.
func (h *SettingsHandler) Update(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "empty body")
		return
	}

	if err := h.store.Update(c.Request.Context(), c.Param("key"), body); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrSettingsKeyUnknown, err.Error())
		return
	}
	response.Success(c, nil)
}
