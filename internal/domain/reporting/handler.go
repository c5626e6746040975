package reporting

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	src    Source
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(src Source, logger zerolog.Logger) *Handler {
	return &Handler{
		src:    src,
		logger: logger.With().Str("component", "reporting").Logger(),
		now:    time.Now,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleStaff))
	read.GET("/blood-units/export", h.ExportUnits)
}

// ExportUnits takes the same filters and sort as the unit list and returns
// every matching unit as an XLSX download.
func (h *Handler) ExportUnits(c echo.Context) error {
	units, err := h.src.Export(c.Request().Context(), inventory.FiltersFromContext(c),
		c.QueryParam("sort"), c.QueryParam("order"))
	if err != nil {
		return inventory.HTTPError(err)
	}

	now := h.now()
	data, err := BuildUnitWorkbook(units, now)
	if err != nil {
		h.logger.Error().Err(err).Msg("build export workbook failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}

	name := fmt.Sprintf("blood-units-%s.xlsx", now.Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", name))
	return c.Blob(http.StatusOK, xlsxMIME, data)
}
