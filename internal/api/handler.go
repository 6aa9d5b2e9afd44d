package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/catalog"
	"github.com/Checker-Finance/instrument-catalog/internal/rate"
	"github.com/Checker-Finance/instrument-catalog/internal/resolver"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// Resolver is the read path exposed over HTTP.
type Resolver interface {
	ByID(ctx context.Context, id string) (model.Instrument, error)
	Search(ctx context.Context, query, segment string, limit int) ([]model.Instrument, error)
	ResolveWithSuggestions(ctx context.Context, symbol, segment string, n int) (resolver.Resolution, error)
	ResolveDerivative(ctx context.Context, root string, rawStrike float64, optionType string) (model.Instrument, error)
	Prepare(rec model.Instrument, lots, qty int) (resolver.Order, error)
}

// CatalogInfo reports catalog health and store statistics.
type CatalogInfo interface {
	Status() catalog.Status
	Stats(ctx context.Context) (catalog.Stats, error)
}

// Triggers runs the scheduler jobs on demand.
type Triggers interface {
	TriggerRefresh(ctx context.Context) (bool, error)
	TriggerPurge(ctx context.Context) error
}

// Handler serves catalog lookups and admin triggers.
type Handler struct {
	Logger   *zap.Logger
	Resolver Resolver
	Catalog  CatalogInfo
	Triggers Triggers
	// AdminLimiter throttles admin triggers per client IP. Nil disables throttling.
	AdminLimiter *rate.Manager
}

// prepareRequest identifies an instrument by security id, or by symbol and segment.
type prepareRequest struct {
	SecurityID string `json:"security_id"`
	Symbol     string `json:"symbol"`
	Segment    string `json:"segment"`
	Lots       int    `json:"lots"`
	Quantity   int    `json:"quantity"`
}

// Health handles GET /health. Degraded catalogs still serve lookups.
func (h *Handler) Health(c *fiber.Ctx) error {
	st := h.Catalog.Status()
	code := fiber.StatusOK
	if st.State == catalog.StateUnavailable {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":  st.State,
		"catalog": st,
	})
}

// Status handles GET /api/v1/catalog/status.
func (h *Handler) Status(c *fiber.Ctx) error {
	return c.JSON(h.Catalog.Status())
}

// Stats handles GET /api/v1/catalog/stats.
func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.Catalog.Stats(c.UserContext())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(stats)
}

// Search handles GET /api/v1/instruments/search?q=&segment=&limit=.
func (h *Handler) Search(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	results, err := h.Resolver.Search(c.UserContext(), c.Query("q"), c.Query("segment"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	if results == nil {
		results = []model.Instrument{}
	}
	return c.JSON(fiber.Map{"count": len(results), "results": results})
}

// Resolve handles GET /api/v1/instruments/resolve?symbol=&segment=&suggest=.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	res, err := h.Resolver.ResolveWithSuggestions(c.UserContext(), c.Query("symbol"), c.Query("segment"), c.QueryInt("suggest", 5))
	if errors.Is(err, model.ErrNotFound) {
		suggestions := res.Suggestions
		if suggestions == nil {
			suggestions = []model.Instrument{}
		}
		return c.Status(http.StatusNotFound).JSON(fiber.Map{
			"error":       err.Error(),
			"suggestions": suggestions,
		})
	}
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(res.Instrument)
}

// ByID handles GET /api/v1/instruments/:id.
func (h *Handler) ByID(c *fiber.Ctx) error {
	inst, err := h.Resolver.ByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(inst)
}

// Derivative handles GET /api/v1/derivatives/resolve?index=&strike=&type=.
func (h *Handler) Derivative(c *fiber.Ctx) error {
	strike, err := strconv.ParseFloat(strings.TrimSpace(c.Query("strike")), 64)
	if err != nil || math.IsNaN(strike) || math.IsInf(strike, 0) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "strike must be a number"})
	}
	inst, err := h.Resolver.ResolveDerivative(c.UserContext(), c.Query("index"), strike, c.Query("type"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"instrument": inst,
		"ref":        inst.Ref(),
	})
}

// Prepare handles POST /api/v1/orders/prepare.
func (h *Handler) Prepare(c *fiber.Ctx) error {
	var req prepareRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	ctx := c.UserContext()
	var (
		inst model.Instrument
		err  error
	)
	switch {
	case req.SecurityID != "":
		inst, err = h.Resolver.ByID(ctx, req.SecurityID)
	case req.Symbol != "":
		var res resolver.Resolution
		res, err = h.Resolver.ResolveWithSuggestions(ctx, req.Symbol, req.Segment, 0)
		if err == nil {
			inst = *res.Instrument
		}
	default:
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "security_id or symbol is required"})
	}
	if err != nil {
		return h.writeError(c, err)
	}

	order, err := h.Resolver.Prepare(inst, req.Lots, req.Quantity)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(order)
}

// Refresh handles POST /api/v1/admin/refresh.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	if !h.allowAdmin(c) {
		return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"error": "too many admin requests"})
	}
	ran, err := h.Triggers.TriggerRefresh(c.UserContext())
	if err != nil {
		h.Logger.Error("api.refresh_failed", zap.String("ip", c.IP()), zap.Error(err))
		return c.Status(http.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	if !ran {
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"refreshed": false, "reason": "refresh already in progress"})
	}
	h.Logger.Info("api.refresh_triggered", zap.String("ip", c.IP()))
	return c.JSON(fiber.Map{"refreshed": true, "catalog": h.Catalog.Status()})
}

// Purge handles POST /api/v1/admin/purge.
func (h *Handler) Purge(c *fiber.Ctx) error {
	if !h.allowAdmin(c) {
		return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"error": "too many admin requests"})
	}
	if err := h.Triggers.TriggerPurge(c.UserContext()); err != nil {
		return h.writeError(c, err)
	}
	h.Logger.Info("api.purge_triggered", zap.String("ip", c.IP()))
	return c.JSON(fiber.Map{"purged": true})
}

func (h *Handler) allowAdmin(c *fiber.Ctx) bool {
	if h.AdminLimiter == nil {
		return true
	}
	return h.AdminLimiter.Allow(c.IP())
}

func (h *Handler) writeError(c *fiber.Ctx, err error) error {
	var qm *model.QuantityMismatchError
	switch {
	case errors.Is(err, model.ErrInvalidQuery):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrCatalogUnavailable):
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &qm):
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":    err.Error(),
			"quantity": qm.Quantity,
			"lot_size": qm.LotSize,
			"segment":  qm.Segment,
		})
	}
	h.Logger.Error("api.request_failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
