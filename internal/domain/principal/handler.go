package principal

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/pkg/pagination"
)

// Handler serves the read-only admin views of principals and clinics. The
// caller mounts it on a group already restricted to administrators.
type Handler struct {
	repo    Repository
	clinics ClinicRepository
}

func NewHandler(repo Repository, clinics ClinicRepository) *Handler {
	return &Handler{repo: repo, clinics: clinics}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/principals", h.ListPrincipals)
	g.GET("/principals/:id", h.GetPrincipal)
	g.GET("/clinics", h.ListClinics)
}

func (h *Handler) ListPrincipals(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.repo.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return storeError(err)
	}
	if items == nil {
		items = []*Principal{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithNext(c.Request().URL))
}

func (h *Handler) GetPrincipal(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListClinics(c echo.Context) error {
	items, err := h.clinics.List(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	if items == nil {
		items = []*Clinic{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func storeError(err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
