// Package api holds the HTTP handlers that sit in front of the gateway:
// the WebSocket upgrade endpoint and the health check.
package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/chanbridge/chanbridge-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint.
type GatewayHandler struct {
	sup *gateway.Supervisor
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(sup *gateway.Supervisor) *GatewayHandler {
	return &GatewayHandler{sup: sup}
}

// Upgrade handles GET /gateway. It upgrades the HTTP connection to a
// WebSocket and hands it to the supervisor, which serves it until it closes.
func (h *GatewayHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.sup.ServeConn(conn.Conn)
	})(c)
}
