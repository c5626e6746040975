package inventory

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
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleStaff))
	read.GET("/blood-units", h.ListUnits)
	read.GET("/blood-units/:unitId", h.GetUnit)
	read.GET("/blood-units/:unitId/history", h.GetUnitHistory)

	write := api.Group("", auth.RequireRole(auth.RoleStaff))
	write.POST("/blood-units", h.AddUnit)
	write.POST("/blood-units/:unitId/status", h.UpdateStatus)
	write.PUT("/blood-units/:unitId/blood-type", h.UpdateBloodType)
	write.PUT("/blood-units/:unitId/storage", h.UpdateStorage)
	write.PUT("/blood-units/:unitId/screening", h.UpdateScreening)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/blood-units/:unitId/status-correction", h.CorrectStatus)
	admin.DELETE("/blood-units/:unitId", h.DeleteUnit)
}

type addUnitRequest struct {
	DonorID         int64  `json:"donor_id"`
	CollectionDate  string `json:"collection_date"`
	CollectionSite  string `json:"collection_site"`
	StorageLocation string `json:"storage_location"`
	VolumeML        int    `json:"volume_ml"`
	ExpiryDate      string `json:"expiry_date"`
	Notes           string `json:"notes"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type bloodTypeRequest struct {
	BloodType string `json:"blood_type"`
	Reason    string `json:"reason"`
	Override  bool   `json:"override"`
}

type screeningRequest struct {
	ScreeningStatus string `json:"screening_status"`
	Reason          string `json:"reason"`
}

type storageRequest struct {
	StorageLocation string `json:"storage_location"`
	Reason          string `json:"reason"`
}

func actorOf(c echo.Context) auth.Actor {
	actor, _ := auth.ActorFromContext(c.Request().Context())
	return actor
}

// unitIDParam returns the :unitId path parameter. Ids that Generate could not
// have produced are reported as not found.
func unitIDParam(c echo.Context) (string, error) {
	id := c.Param("unitId")
	if !ValidUnitID(id) {
		return "", ErrUnitNotFound
	}
	return id, nil
}

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, invalid(field, "expected a date in YYYY-MM-DD form")
	}
	return t, nil
}

func (h *Handler) AddUnit(c echo.Context) error {
	var req addUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in := AddUnitInput{
		DonorID:         req.DonorID,
		CollectionSite:  req.CollectionSite,
		StorageLocation: req.StorageLocation,
		VolumeML:        req.VolumeML,
		Notes:           req.Notes,
	}
	if req.CollectionDate != "" {
		d, err := parseDate("collection_date", req.CollectionDate)
		if err != nil {
			return HTTPError(err)
		}
		in.CollectionDate = d
	}
	if req.ExpiryDate != "" {
		d, err := parseDate("expiry_date", req.ExpiryDate)
		if err != nil {
			return HTTPError(err)
		}
		in.ExpiryDate = &d
	}
	u, err := h.svc.AddUnit(c.Request().Context(), actorOf(c), in)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUnit(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	u, err := h.svc.GetUnit(c.Request().Context(), unitID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) GetUnitHistory(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	events, err := h.svc.History(c.Request().Context(), unitID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, events)
}

// FiltersFromContext reads unit filters from the query string. Values that
// do not parse are ignored.
func FiltersFromContext(c echo.Context) Filters {
	var f Filters
	if v := c.QueryParam("blood_type"); v != "" {
		if bt, err := ParseBloodType(v); err == nil {
			f.BloodType = &bt
		}
	}
	if v := c.QueryParam("status"); v != "" {
		if st, err := ParseStatus(v); err == nil {
			f.Status = &st
		}
	}
	if v := c.QueryParam("urgency"); v != "" {
		if u, err := ParseUrgency(v); err == nil {
			f.Urgency = &u
		}
	}
	if t, err := time.Parse(DateLayout, c.QueryParam("collected_from")); err == nil {
		f.CollectedFrom = &t
	}
	if t, err := time.Parse(DateLayout, c.QueryParam("collected_to")); err == nil {
		f.CollectedTo = &t
	}
	f.Search = c.QueryParam("q")
	return f
}

func (h *Handler) ListUnits(c echo.Context) error {
	pg := pagination.FromContext(c)
	res, err := h.svc.Query(c.Request().Context(), QueryParams{
		Filters:   FiltersFromContext(c),
		Page:      pg.Page,
		PageSize:  pg.PageSize,
		SortField: c.QueryParam("sort"),
		SortOrder: c.QueryParam("order"),
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(res.Items, res.TotalCount, pagination.New(res.Page, res.PageSize)))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		return HTTPError(err)
	}
	u, err := h.svc.UpdateStatus(c.Request().Context(), actorOf(c), unitID, to, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) CorrectStatus(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		return HTTPError(err)
	}
	u, err := h.svc.CorrectStatus(c.Request().Context(), actorOf(c), unitID, to, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateBloodType(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	var req bloodTypeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bt, err := ParseBloodType(req.BloodType)
	if err != nil {
		return HTTPError(err)
	}
	u, err := h.svc.UpdateBloodType(c.Request().Context(), actorOf(c), unitID, bt, req.Reason, req.Override)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateScreening(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	var req screeningRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := ParseScreeningStatus(req.ScreeningStatus)
	if err != nil {
		return HTTPError(err)
	}
	u, err := h.svc.UpdateScreening(c.Request().Context(), actorOf(c), unitID, result, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateStorage(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	var req storageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.UpdateStorage(c.Request().Context(), actorOf(c), unitID, req.StorageLocation, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUnit(c echo.Context) error {
	unitID, err := unitIDParam(c)
	if err != nil {
		return HTTPError(err)
	}
	if err := h.svc.DeleteUnit(c.Request().Context(), actorOf(c), unitID, c.QueryParam("reason")); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

