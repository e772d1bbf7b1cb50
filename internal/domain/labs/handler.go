package labs

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/auth"
	"github.com/ehr/labchart/internal/platform/fhir"
	"github.com/ehr/labchart/pkg/pagination"
)

type Handler struct {
	svc         *Service
	defaultMode MergeMode
}

// NewHandler uses defaultMode for ingest requests that do not name a mode.
func NewHandler(svc *Service, defaultMode MergeMode) *Handler {
	if defaultMode == "" {
		defaultMode = MergeSkip
	}
	return &Handler{svc: svc, defaultMode: defaultMode}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	readRoles := []string{auth.RoleAdmin, auth.RolePhysician, auth.RoleNurse, auth.RoleLabTech}
	writeRoles := []string{auth.RoleAdmin, auth.RolePhysician, auth.RoleLabTech}

	readGroup := api.Group("", auth.RequireRole(readRoles...))
	readGroup.POST("/lab-documents/parse", h.ParseDocument)
	readGroup.GET("/patients/:patient_id/lab-history", h.GetHistory)
	readGroup.GET("/patients/:patient_id/lab-history/:test", h.GetSeries)
	readGroup.GET("/patients/:patient_id/lab-ingest-runs", h.ListIngestRuns)

	writeGroup := api.Group("", auth.RequireRole(writeRoles...))
	writeGroup.POST("/patients/:patient_id/lab-documents", h.IngestDocuments)

	fhirGroup.GET("/metadata", h.CapabilityStatement)
	fhirRead := fhirGroup.Group("", auth.RequireRole(readRoles...))
	fhirRead.GET("/Observation", h.SearchObservationsFHIR)
}

type parseRequest struct {
	Text         string `json:"text"`
	FallbackDate string `json:"fallback_date"`
}

type ingestRequest struct {
	Documents []Document `json:"documents"`
	DryRun    bool       `json:"dry_run"`
	Mode      string     `json:"mode"`
}

func (h *Handler) ParseDocument(c echo.Context) error {
	var req parseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	res, err := h.svc.Parse(req.Text, req.FallbackDate)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) IngestDocuments(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one document is required")
	}
	mode := h.defaultMode
	if req.Mode != "" {
		if mode, err = ParseMergeMode(req.Mode); err != nil {
			return httpError(err)
		}
	}

	res, err := h.svc.Ingest(c.Request().Context(), patientID, req.Documents, IngestOptions{DryRun: req.DryRun, Mode: mode})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetHistory(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	hist, err := h.svc.History(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"tests":      hist.Tests(),
		"history":    hist,
	})
}

func (h *Handler) GetSeries(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	series, err := h.svc.Series(c.Request().Context(), patientID, c.Param("test"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, series)
}

func (h *Handler) ListIngestRuns(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*IngestRun{}
	}
	return c.JSON(http.StatusOK, pg.Wrap(items, total))
}

// -- FHIR Endpoints --

func (h *Handler) SearchObservationsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	patientID, err := uuid.Parse(strings.TrimPrefix(c.QueryParam("patient"), "Patient/"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("patient search parameter must be a patient id"))
	}

	var filter ObservationFilter
	if code := c.QueryParam("code"); code != "" {
		filter.Test = h.svc.CanonicalName(code)
	}
	if date := c.QueryParam("date"); date != "" {
		if filter.DateOp, filter.Date, err = ParseDateParam(date); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
		}
	}

	hist, err := h.svc.History(c.Request().Context(), patientID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	all := hist.Observations(patientID, filter)
	start, end := pg.Window(len(all))

	bundle := fhir.NewSearchBundleWithLinks(all[start:end], fhir.SearchBundleParams{
		BaseURL:  "/fhir/Observation",
		QueryStr: searchQuery(c),
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    len(all),
	})
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) CapabilityStatement(c echo.Context) error {
	return c.JSON(http.StatusOK, fhir.NewCapabilityStatement(c.Scheme()+"://"+c.Request().Host+"/fhir"))
}

// searchQuery keeps the filter parameters for bundle links; paging
// parameters are added back by the bundle builder.
func searchQuery(c echo.Context) string {
	q := url.Values{}
	for k, v := range c.QueryParams() {
		switch k {
		case "_count", "_offset", "limit", "offset":
			continue
		}
		q[k] = v
	}
	return q.Encode()
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, labparse.ErrMissingReportDate),
		errors.Is(err, labparse.ErrInvalidDate),
		errors.Is(err, ErrInvalidMergeMode),
		errors.Is(err, ErrInvalidDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTestNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStaleHistory):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvariantViolation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
