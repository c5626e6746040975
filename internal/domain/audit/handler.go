package audit

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin))
	read.GET("/audit-events", h.ListAuditEvents)
}

func (h *Handler) ListAuditEvents(c echo.Context) error {
	f := Filter{
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
		Action:     c.QueryParam("action"),
		ActorID:    c.QueryParam("actor"),
	}
	for param, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param+": expected RFC 3339 timestamp")
		}
		*dst = &t
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit(), pg.Offset())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "storage failure")
	}
	if items == nil {
		items = []*Event{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
