package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
)

// AppConfig carries server limits.
type AppConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int
}

// NewApp builds the fiber app with goccy JSON codecs.
func NewApp(cfg AppConfig) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "instrument-catalog",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             cfg.BodyLimit,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})
}

func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Use(fiberrecover.New())
	app.Use(countRequests)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Get("/catalog/status", h.Status)
	v1.Get("/catalog/stats", h.Stats)

	v1.Get("/instruments/search", h.Search)
	v1.Get("/instruments/resolve", h.Resolve)
	v1.Get("/instruments/:id", h.ByID)
	v1.Get("/derivatives/resolve", h.Derivative)
	v1.Post("/orders/prepare", h.Prepare)

	admin := v1.Group("/admin")
	admin.Post("/refresh", h.Refresh)
	admin.Post("/purge", h.Purge)
}

func countRequests(c *fiber.Ctx) error {
	err := c.Next()
	code := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	metrics.HTTPRequests.WithLabelValues(c.Route().Path, strconv.Itoa(code)).Inc()
	return err
}
