package loginaudit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imageehr/ehr/internal/platform/db"
	"github.com/imageehr/ehr/pkg/pagination"
)

// Handler serves the read-only admin views of the login audit trail. The
// caller mounts it on a group already restricted to administrators.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/login-attempts", h.ListAttempts)
	g.GET("/login-attempts/summary", h.Summary)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.store.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return storeError(err)
	}
	if items == nil {
		items = []*Attempt{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithNext(c.Request().URL))
}

func (h *Handler) Summary(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	sum, err := h.store.Summary(c.Request().Context(), f)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{
		Username:  c.QueryParam("username"),
		IPAddress: c.QueryParam("ip_address"),
	}
	if v := c.QueryParam("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "success must be true or false")
		}
		f.Success = &b
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
		}
		*dst = &t
	}
	if f.Since != nil && f.Until != nil && !f.Since.Before(*f.Until) {
		return f, echo.NewHTTPError(http.StatusBadRequest, "since must be before until")
	}
	return f, nil
}

func storeError(err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
