package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/uncord-chat/uncord-gateway/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub            *gateway.Hub
	maxConnections int
}

// NewGatewayHandler creates a new gateway handler. Connections beyond maxConnections are rejected before the upgrade.
func NewGatewayHandler(hub *gateway.Hub, maxConnections int) *GatewayHandler {
	return &GatewayHandler{hub: hub, maxConnections: maxConnections}
}

// Upgrade handles GET /api/v1/gateway. It upgrades the HTTP connection to a WebSocket and hands it to the Hub.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.hub.ClientCount() >= h.maxConnections {
		return fiber.NewError(fiber.StatusServiceUnavailable, "gateway at capacity")
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
