package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleStaff))
	read.GET("/dashboard/summary", h.GetSummary)
	read.GET("/dashboard/alerts", h.GetAlerts)
}

func (h *Handler) GetSummary(c echo.Context) error {
	summary, err := h.agg.Summarize(c.Request().Context())
	if err != nil {
		h.agg.logger.Error().Err(err).Msg("dashboard summary failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "storage failure")
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) GetAlerts(c echo.Context) error {
	alerts, err := h.agg.Alerts(c.Request().Context())
	if err != nil {
		h.agg.logger.Error().Err(err).Msg("dashboard alerts failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "storage failure")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"alerts": alerts})
}
