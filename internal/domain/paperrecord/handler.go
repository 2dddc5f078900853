package paperrecord

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/paperrecord/internal/platform/auth"
	"github.com/ehr/paperrecord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clerk := api.Group("", auth.RequireRole(auth.RoleClerk, auth.RoleArchivist))
	clerk.POST("/paper-record-requests", h.CreateRequest)
	clerk.GET("/paper-record-requests", h.ListRequests)
	clerk.GET("/paper-record-requests/:id", h.GetRequest)
	clerk.POST("/paper-record-requests/:id/cancel", h.CancelRequest)
	clerk.GET("/paper-records", h.ListRecords)

	archivist := api.Group("", auth.RequireRole(auth.RoleArchivist))
	archivist.POST("/paper-record-requests/assign", h.AssignRequests)
	archivist.POST("/paper-record-requests/send", h.SendRecord)
	archivist.POST("/paper-record-requests/return", h.ReturnRecord)
	archivist.POST("/paper-record-requests/:id/print-labels", h.PrintLabels)
	archivist.POST("/patients/:id/print-id-card", h.PrintIDCard)
	archivist.POST("/paper-record-merges", h.ProposeMerge)
	archivist.GET("/paper-record-merges", h.ListMerges)
	archivist.GET("/paper-record-merges/:id", h.GetMerge)
	archivist.POST("/paper-record-merges/:id/confirm", h.ConfirmMerge)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/paper-record-requests/expire", h.ExpireRequests)
}

func httpError(err error) error {
	return echo.NewHTTPError(errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInconsistentState):
		return http.StatusConflict
	case errors.Is(err, ErrPrintingFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// -- Requests --

type createRequestBody struct {
	PatientID         uuid.UUID `json:"patient_id"`
	RecordLocationID  uuid.UUID `json:"record_location_id"`
	RequestLocationID uuid.UUID `json:"request_location_id"`
}

// CreateRequest answers 201 for a new request and 200 when an existing
// pending request was re-pointed instead.
func (h *Handler) CreateRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, created, err := h.svc.requestRecord(c.Request().Context(), body.PatientID, body.RecordLocationID, body.RequestLocationID)
	if err != nil {
		return httpError(err)
	}
	if !created {
		return c.JSON(http.StatusOK, q)
	}
	return c.JSON(http.StatusCreated, q)
}

// ListRequests filters by ?status= (comma separated), ?kind=, ?location_id=,
// ?patient_id= and ?identifier=.
func (h *Handler) ListRequests(c echo.Context) error {
	var f RequestFilter
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := RequestStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status "+s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.QueryParam("kind"); raw != "" {
		k, ok := ParseKind(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid kind "+raw)
		}
		f.Kind = k
	}
	loc, err := optionalUUID(c, "location_id")
	if err != nil {
		return err
	}
	f.RecordLocationID = loc
	pid, err := optionalUUID(c, "patient_id")
	if err != nil {
		return err
	}
	if pid != nil {
		f.PatientIDs = []uuid.UUID{*pid}
	}
	f.Identifier = c.QueryParam("identifier")

	items, err := h.svc.ListRequests(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c), c.Request().URL.Path))
}

type lastSent struct {
	RequestLocationID uuid.UUID `json:"request_location_id"`
	SentAt            time.Time `json:"sent_at"`
}

type requestDetail struct {
	*Request
	LastSent *lastSent `json:"last_sent,omitempty"`
}

// GetRequest also reports where the folder was last sent, so the archives
// room knows where to fetch it from.
func (h *Handler) GetRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	q, err := h.svc.GetRequest(ctx, id)
	if err != nil {
		return httpError(err)
	}
	out := requestDetail{Request: q}
	sent, err := h.svc.GetMostRecentSentRequest(ctx, q.RecordID)
	if err != nil {
		return httpError(err)
	}
	if sent != nil && sent.ID != q.ID {
		out.LastSent = &lastSent{RequestLocationID: sent.RequestLocationID, SentAt: sent.StatusChangedAt}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.CancelRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

type assignBody struct {
	RequestIDs      []uuid.UUID `json:"request_ids"`
	AssigneeID      string      `json:"assignee_id"`
	PrintLocationID uuid.UUID   `json:"print_location_id"`
}

type assignFailure struct {
	Message string        `json:"message"`
	Result  *AssignResult `json:"result"`
}

// AssignRequests defaults the assignee to the calling user. When some items
// fail the partial result is returned alongside the error status, 502 if any
// labels failed to print.
func (h *Handler) AssignRequests(c echo.Context) error {
	var body assignBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if body.AssigneeID == "" {
		body.AssigneeID = auth.UserIDFromContext(ctx)
	}
	result, err := h.svc.AssignRequests(ctx, body.RequestIDs, body.AssigneeID, body.PrintLocationID)
	if err != nil {
		if result != nil {
			return c.JSON(errorStatus(err), assignFailure{Message: err.Error(), Result: result})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type scanBody struct {
	Identifier string    `json:"identifier"`
	LocationID uuid.UUID `json:"location_id"`
}

func (h *Handler) SendRecord(c echo.Context) error {
	var body scanBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := h.svc.SendByIdentifier(c.Request().Context(), strings.TrimSpace(body.Identifier))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ReturnRecord(c echo.Context) error {
	var body scanBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	returned, err := h.svc.ReturnByIdentifier(c.Request().Context(), strings.TrimSpace(body.Identifier), body.LocationID)
	if err != nil {
		return httpError(err)
	}
	if returned == nil {
		returned = []*Request{}
	}
	return c.JSON(http.StatusOK, returned)
}

type expireBody struct {
	Kind   string    `json:"kind"`
	Cutoff time.Time `json:"cutoff"`
}

func (h *Handler) ExpireRequests(c echo.Context) error {
	var body expireBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Cutoff.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "cutoff is required")
	}
	n, err := h.svc.ExpirePending(c.Request().Context(), Kind(body.Kind), body.Cutoff)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}

// -- Labels --

type printBody struct {
	LocationID uuid.UUID `json:"location_id"`
	Label      string    `json:"label"`
	Count      *int      `json:"count"`
}

// PrintLabels reprints labels for a request. Label is one of "record",
// "form" or "set"; count defaults to 1 and is ignored for a set.
func (h *Handler) PrintLabels(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body printBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	count := 1
	if body.Count != nil {
		if *body.Count < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "count must not be negative")
		}
		count = *body.Count
	}

	ctx := c.Request().Context()
	switch body.Label {
	case "record", "":
		err = h.svc.PrintRecordLabels(ctx, id, body.LocationID, count)
	case "form":
		err = h.svc.PrintFormLabels(ctx, id, body.LocationID, count)
	case "set":
		err = h.svc.PrintRecordLabelSet(ctx, id, body.LocationID)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid label "+body.Label)
	}
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PrintIDCard(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body printBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.PrintIDCardLabel(c.Request().Context(), id, body.LocationID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Records --

func (h *Handler) ListRecords(c echo.Context) error {
	pid, err := optionalUUID(c, "patient_id")
	if err != nil {
		return err
	}
	if pid == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	loc, err := optionalUUID(c, "location_id")
	if err != nil {
		return err
	}
	records, err := h.svc.GetRecords(c.Request().Context(), *pid, loc)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(records, pagination.FromContext(c), c.Request().URL.Path))
}

// -- Merges --

type proposeMergeBody struct {
	PreferredRecordID    uuid.UUID `json:"preferred_record_id"`
	NotPreferredRecordID uuid.UUID `json:"not_preferred_record_id"`
}

func (h *Handler) ProposeMerge(c echo.Context) error {
	var body proposeMergeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.ProposeMerge(c.Request().Context(), body.PreferredRecordID, body.NotPreferredRecordID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMerges(c echo.Context) error {
	items, err := h.svc.ListOpenMergeRequests(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c), c.Request().URL.Path))
}

func (h *Handler) GetMerge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMergeRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ConfirmMerge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.ConfirmMerge(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}
