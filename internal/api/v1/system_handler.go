package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpnhub/internal/api/response"
	"vpnhub/internal/metrics"
	"vpnhub/internal/repository"
	"vpnhub/pkg/logger"
)

type SystemHandler struct {
	pool     *pgxpool.Pool
	users    repository.UserRepository
	keys     repository.KeyRepository
	payments repository.PaymentRepository
	logStore *logger.SystemLogStore
}

func NewSystemHandler(
	pool *pgxpool.Pool,
	users repository.UserRepository,
	keys repository.KeyRepository,
	paymentsRepo repository.PaymentRepository,
	logStore *logger.SystemLogStore,
) *SystemHandler {
	return &SystemHandler{
		pool:     pool,
		users:    users,
		keys:     keys,
		payments: paymentsRepo,
		logStore: logStore,
	}
}

func RegisterSystemRoutes(group *gin.RouterGroup, handler *SystemHandler) {
	sub := group.Group("/system")
	sub.GET("/stats", handler.Stats)
	sub.GET("/logs", handler.Logs)
}

// Health answers liveness probes; it sits outside the admin group.
func (h *SystemHandler) Health(c *gin.Context) {
	if h.pool != nil {
		if err := h.pool.Ping(c.Request.Context()); err != nil {
			response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal, "database unreachable")
			return
		}
	}
	response.Success(c, gin.H{"status": "ok"})
}

func (h *SystemHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	userCount, err := h.users.Count(ctx)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	byCluster, err := h.keys.CountActiveByCluster(ctx)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	var activeKeys int64
	for cluster, count := range byCluster {
		activeKeys += count
		metrics.ActiveKeys.WithLabelValues(cluster).Set(float64(count))
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	revenueToday, err := h.payments.SumSuccessful(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"users":           userCount,
		"active_keys":     activeKeys,
		"keys_by_cluster": byCluster,
		"revenue_today":   revenueToday,
	})
}

// Logs serves the in-memory ring of recent log entries for quick
// troubleshooting without shell access.
func (h *SystemHandler) Logs(c *gin.Context) {
	if h.logStore == nil {
		response.Success(c, []logger.SystemLogEntry{})
		return
	}

	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	from, err := parseLogTime(c.Query("from"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid from")
		return
	}
	to, err := parseLogTime(c.Query("to"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInternal, "invalid to")
		return
	}

	entries, total := h.logStore.QueryLogs(c.Query("level"), from, to, c.Query("keyword"), page, pageSize)
	response.Paginated(c, entries, page, pageSize, total)
}

func parseLogTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse("2006-01-02", value)
}
