// Package providers exposes the realtime subsystem over HTTP: the raw
// fasthttp WebSocket upgrade endpoint plus Fiber routes for info,
// health, and Prometheus metrics.
package providers

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/tripsage/realtime/config"
	"github.com/tripsage/realtime/src/service"
)

// Provider wires the realtime service into the HTTP surface.
type Provider struct {
	svc    *service.Service
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a provider for the given service.
func New(svc *service.Service, cfg *config.Config, logger zerolog.Logger) *Provider {
	return &Provider{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "ws-transport").Logger(),
	}
}

// RegisterRoutes registers the info and health routes via Fiber. The
// actual WebSocket upgrade uses WSHandler, registered at the fasthttp
// server level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (p *Provider) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", p.handleInfo)
	group.Get("/ws/connections/:id", p.handleConnection)
	group.Get("/healthz", p.handleHealth)
}

func (p *Provider) handleInfo(c fiber.Ctx) error {
	stats := p.svc.Manager().Stats()
	return c.JSON(fiber.Map{
		"websocket":           true,
		"endpoint":            "/ws",
		"total_connections":   stats.TotalConnections,
		"unique_users":        stats.UniqueUsers,
		"active_sessions":     stats.ActiveSessions,
		"subscribed_channels": stats.SubscribedChannels,
	})
}

func (p *Provider) handleConnection(c fiber.Ctx) error {
	info, err := p.svc.Manager().ConnectionInfo(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown connection"})
	}
	return c.JSON(info)
}

func (p *Provider) handleHealth(c fiber.Ctx) error {
	status := fiber.Map{"status": "ok"}
	if err := p.svc.Broadcaster().Ping(); err != nil {
		status["broadcaster"] = "unavailable"
	} else {
		status["broadcaster"] = "ok"
	}
	return c.JSON(status)
}

// MetricsHandler serves the Prometheus registry on the fasthttp server.
func (p *Provider) MetricsHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}

// requireUpgrade rejects plain HTTP requests to the WebSocket path.
func requireUpgrade(ctx *fasthttp.RequestCtx) bool {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return false
	}
	return true
}
