package v1

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpnhub/internal/api/response"
	"vpnhub/internal/payments"
)

// PaymentHandler receives provider webhooks. It is the one public
// surface of the API: authentication is the provider's own signature.
type PaymentHandler struct {
	registry  *payments.Registry
	processor *payments.Processor
	logger    *zap.Logger
}

func NewPaymentHandler(registry *payments.Registry, processor *payments.Processor, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{registry: registry, processor: processor, logger: logger}
}

func RegisterPaymentRoutes(group gin.IRoutes, registry *payments.Registry, processor *payments.Processor, logger *zap.Logger) {
	handler := NewPaymentHandler(registry, processor, logger)
	group.POST("/webhooks/:provider", handler.Webhook)
}

func (h *PaymentHandler) Webhook(c *gin.Context) {
	name := c.Param("provider")
	provider, err := h.registry.Get(name)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownProvider) {
			response.Fail(c, http.StatusNotFound, response.ErrProviderUnknown, "unknown provider")
			return
		}
		response.Fail(c, http.StatusForbidden, response.ErrProviderUnknown, "provider disabled")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrPaymentRejected, "unreadable body")
		return
	}

	notification, err := provider.VerifyWebhook(body, webhookSignature(c))
	if err != nil {
		h.logger.Warn("webhook rejected",
			zap.String("provider", name),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err),
		)
		response.Fail(c, http.StatusForbidden, response.ErrPaymentRejected, "verification failed")
		return
	}

	if err := h.processor.Apply(c.Request.Context(), name, notification); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	// Providers expect a bare OK body, not the JSON envelope.
	c.String(http.StatusOK, "OK")
}

func webhookSignature(c *gin.Context) string {
	if sig := strings.TrimSpace(c.GetHeader("X-Signature")); sig != "" {
		return sig
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
