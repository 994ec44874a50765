package amendment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinvault/internal/domain/legal"
	"github.com/ehr/clinvault/internal/platform/auth"
	"github.com/ehr/clinvault/internal/platform/hipaa"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleSupervisor))
	g.GET("/sessions/:id/addendums", h.ListAddendums)
	g.POST("/sessions/:id/addendums", h.CreateAddendum)
	g.POST("/sessions/:id/submit", h.SubmitSession)
	g.POST("/sessions/:id/sign", h.SignSession)
	g.POST("/sessions/:id/void", h.VoidSession)
	g.GET("/sessions/:id/can-update", h.CheckCanUpdate)
	g.GET("/sessions/:id/can-delete", h.CheckCanDelete)
	g.PUT("/addendums/:id", h.UpdateAddendum)
	g.DELETE("/addendums/:id", h.DiscardAddendum)
	g.POST("/addendums/:id/sign", h.SignAddendum)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/admin/addendums/reencrypt", h.ReEncrypt)
}

type addendumRequest struct {
	Reason  string          `json:"reason"`
	Content json.RawMessage `json:"content"`
}

type voidRequest struct {
	Reason        string `json:"reason"`
	Justification string `json:"justification"`
}

// httpError maps workflow errors onto HTTP status codes.
func httpError(err error) error {
	var de *hipaa.DecryptError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, legal.ErrFinalState), errors.Is(err, legal.ErrInvalidTransition),
		errors.Is(err, legal.ErrSessionLocked), errors.Is(err, legal.ErrImmutableState),
		errors.Is(err, legal.ErrLegalHoldActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrBadRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &de):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, string(de.Reason))
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actorOf(c echo.Context) Actor {
	return ActorFromContext(c.Request().Context())
}

func (h *Handler) CreateAddendum(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req addendumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.CreateAddendum(c.Request().Context(), id, req.Reason, req.Content, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListAddendums(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	list, err := h.svc.GetAddendums(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) SignAddendum(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SignAddendum(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdateAddendum(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req addendumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := h.svc.UpdateAddendum(c.Request().Context(), id, req.Reason, req.Content, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) DiscardAddendum(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DiscardAddendum(c.Request().Context(), id, actorOf(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) VoidSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req voidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.VoidSession(c.Request().Context(), id, req.Reason, req.Justification, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SubmitForReview(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SignSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SignSession(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckCanUpdate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CheckCanUpdate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckCanDelete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CheckCanDelete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ReEncrypt(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	var after *ReEncryptCursor
	if v := c.QueryParam("cursor"); v != "" {
		cur, err := ParseReEncryptCursor(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		after = cur
	}
	res, err := h.svc.ReEncryptAddendums(c.Request().Context(), after, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
