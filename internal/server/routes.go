package server

import (
	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/handler"
)

type Handlers struct {
	Health     *handler.HealthHandler
	Cart       *handler.CartHandler
	Order      *handler.OrderHandler
	AdminOrder *handler.AdminOrderHandler
	Payment    *handler.PaymentHandler
}

func RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc, h Handlers) {
	h.Health.RegisterRoutes(e)
	h.Cart.RegisterRoutes(e, auth)
	h.Order.RegisterRoutes(e, auth)
	h.AdminOrder.RegisterRoutes(e, auth)
	h.Payment.RegisterRoutes(e, auth)
}
