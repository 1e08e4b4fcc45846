package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

// /orders のHTTP（購入者側）
type OrderHandler struct {
	orders   *usecase.OrderUsecase
	checkout *usecase.CheckoutUsecase
}

func NewOrderHandler(orders *usecase.OrderUsecase, checkout *usecase.CheckoutUsecase) *OrderHandler {
	return &OrderHandler{orders: orders, checkout: checkout}
}

type ShippingAddressRequest struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type CheckoutRequest struct {
	ShippingAddress ShippingAddressRequest `json:"shippingAddress"`
	Notes           string                 `json:"notes"`
}

func (r CheckoutRequest) input() usecase.CreateOrderInput {
	return usecase.CreateOrderInput{
		ShippingAddress: model.ShippingAddress{
			Street:  r.ShippingAddress.Street,
			City:    r.ShippingAddress.City,
			State:   r.ShippingAddress.State,
			Zip:     r.ShippingAddress.Zip,
			Country: r.ShippingAddress.Country,
		},
		Notes: r.Notes,
	}
}

func (h *OrderHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	g := e.Group("/orders", auth)

	g.POST("", h.create)
	g.GET("/mine", h.listMine)
	g.GET("/:id", h.detail)
	g.PATCH("/:id/cancel", h.cancel)
}

func (h *OrderHandler) create(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	out, err := h.checkout.CreateOrder(c.Request().Context(), a.UserID, req.input())
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusCreated, out)
}

func (h *OrderHandler) listMine(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	page, ok := queryInt(c, "page")
	if !ok {
		return badRequest(c, "invalid page")
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return badRequest(c, "invalid limit")
	}

	out, err := h.orders.ListMine(c.Request().Context(), a.UserID, page, limit)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

func (h *OrderHandler) detail(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}

	out, err := h.orders.GetOrder(c.Request().Context(), a, id)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

func (h *OrderHandler) cancel(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}

	out, err := h.checkout.CancelOrder(c.Request().Context(), a, id)
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "order cancelled", out)
}
