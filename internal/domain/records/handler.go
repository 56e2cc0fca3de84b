package records

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ehr")

	// Read endpoints – clinicians and patients; the access service checks
	// ownership or consent on each
	readGroup := g.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
	readGroup.GET("/records/:id", h.GetRecord)
	readGroup.GET("/records/:id/versions", h.GetVersions)
	readGroup.GET("/records/:id/files", h.GetFiles)
	readGroup.GET("/records/:id/payload", h.GetPayload)
	readGroup.GET("/records/:id/access-log", h.GetAccessLog)
	readGroup.GET("/records/:id/replica", h.ExistsOnReplica)
	readGroup.GET("/patients/:id/records", h.ListByPatient)
	readGroup.GET("/nodes", h.ReadNodeInfo)

	// Write endpoints – clinicians
	writeGroup := g.Group("", auth.RequireRole(auth.RoleClinician))
	writeGroup.POST("/records", h.CreateRecord)
	writeGroup.POST("/records/:id/versions", h.AppendVersion)
	writeGroup.GET("/organizations/:id/records", h.ListByOrganization)
	writeGroup.GET("/creators/:id/records", h.ListByCreator)

	// Ledger callback
	anchorGroup := g.Group("", auth.RequireRole(auth.RoleAnchor))
	anchorGroup.POST("/anchors", h.OnAnchorResult)

	if h.svc.Subscriptions != nil {
		subGroup := g.Group("", auth.RequireRole(auth.RoleClinician, auth.RolePatient))
		subGroup.POST("/subscriptions", h.CreateSubscription)
		subGroup.GET("/subscriptions/:id", h.GetSubscription)
		subGroup.GET("/patients/:id/subscriptions", h.ListSubscriptions)
		subGroup.DELETE("/subscriptions/:id", h.CancelSubscription)
	}
}

// httpError maps domain errors onto status codes. Unexpected errors keep
// their detail internal.
func httpError(err error) error {
	var status int
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, ErrVersionConflict):
		status, msg = http.StatusConflict, "version conflict, reload and retry"
	case errors.Is(err, ErrAccessDenied):
		status, msg = http.StatusForbidden, "access denied"
	case errors.Is(err, ErrEncoding), errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
	default:
		status, msg = http.StatusInternalServerError, "internal server error"
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func versionParam(c echo.Context) (*int, error) {
	v := c.QueryParam("version")
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	return &n, nil
}

func preferReplica(c echo.Context) bool {
	b, _ := strconv.ParseBool(c.QueryParam("replica"))
	return b
}

// actor returns the authenticated subject, falling back to the id supplied
// in the body for service accounts whose subject is not a uuid.
func actor(c echo.Context, fromBody uuid.UUID) (uuid.UUID, error) {
	if id, ok := auth.ActorIDFromContext(c.Request().Context()); ok {
		return id, nil
	}
	if fromBody != uuid.Nil {
		return fromBody, nil
	}
	return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "actor id is required")
}

// reader is the authenticated subject of a read, or uuid.Nil, which the
// access gate refuses.
func reader(c echo.Context) uuid.UUID {
	id, _ := auth.ActorIDFromContext(c.Request().Context())
	return id
}

// -- Write Handlers --

func (h *Handler) CreateRecord(c echo.Context) error {
	var req CreateRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	by, err := actor(c, req.CreatedBy)
	if err != nil {
		return err
	}
	req.CreatedBy = by

	res, err := h.svc.Writer.CreateRecord(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) AppendVersion(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req AppendVersionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.RecordID = id
	by, err := actor(c, req.ChangedBy)
	if err != nil {
		return err
	}
	req.ChangedBy = by

	res, err := h.svc.Writer.AppendVersion(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type anchorResultRequest struct {
	VersionID uuid.UUID    `json:"version_id"`
	Status    AnchorStatus `json:"status"`
	TxRef     *string      `json:"tx_ref,omitempty"`
}

func (h *Handler) OnAnchorResult(c echo.Context) error {
	var req anchorResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.VersionID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "version_id is required")
	}
	v, err := h.svc.Anchors.OnAnchorResult(c.Request().Context(), req.VersionID, req.Status, req.TxRef)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Read Handlers --

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Access.Record(c.Request().Context(), reader(c), id, preferReplica(c))
	if err != nil {
		return httpError(err)
	}
	if view == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetVersions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	versions, err := h.svc.Access.Versions(c.Request().Context(), reader(c), id, preferReplica(c))
	if err != nil {
		return httpError(err)
	}
	if versions == nil {
		versions = []*Version{}
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) GetFiles(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	n, err := versionParam(c)
	if err != nil {
		return err
	}
	files, err := h.svc.Access.Files(c.Request().Context(), reader(c), id, n, preferReplica(c))
	if err != nil {
		return httpError(err)
	}
	if files == nil {
		files = []*File{}
	}
	return c.JSON(http.StatusOK, files)
}

func (h *Handler) GetPayload(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	n, err := versionParam(c)
	if err != nil {
		return err
	}
	by := reader(c)
	if by == uuid.Nil {
		return echo.NewHTTPError(http.StatusForbidden, "reader identity required")
	}
	req := AccessRequest{
		RecordID:      id,
		VersionNumber: n,
		AccessorID:    by,
		Action:        ActionView,
		IPAddress:     c.RealIP(),
		PreferReplica: preferReplica(c),
	}
	if ref := c.QueryParam("consent_ref"); ref != "" {
		req.ConsentRef = &ref
	}
	res, err := h.svc.Access.Access(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetAccessLog(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.Access.AccessLog(c.Request().Context(), reader(c), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) ExistsOnReplica(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.Reader.ExistsOnReplica(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "exists_on_replica": ok})
}

func (h *Handler) ReadNodeInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Reader.ReadNodeInfo(preferReplica(c)))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	by := reader(c)
	return h.listRecords(c, func(ctx context.Context, patientID uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error) {
		return h.svc.Access.PatientRecords(ctx, by, patientID, limit, offset, preferReplica)
	})
}

func (h *Handler) ListByOrganization(c echo.Context) error {
	return h.listRecords(c, h.svc.Reader.ListByOrganization)
}

func (h *Handler) ListByCreator(c echo.Context) error {
	return h.listRecords(c, h.svc.Reader.ListByCreator)
}

type listFunc func(ctx context.Context, id uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error)

func (h *Handler) listRecords(c echo.Context, list listFunc) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := list(c.Request().Context(), id, pg.Limit, pg.Offset, preferReplica(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

// -- Subscription Handlers --

func (h *Handler) CreateSubscription(c echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.svc.Subscriptions.CreateSubscription(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) GetSubscription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.svc.Subscriptions.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.Subscriptions.ListSubscriptions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) CancelSubscription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.svc.Subscriptions.CancelSubscription(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}
