package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

// /cartのHTTP
type CartHandler struct {
	uc *usecase.CartUsecase
}

// DI
func NewCartHandler(uc *usecase.CartUsecase) *CartHandler {
	return &CartHandler{uc: uc}
}

type CartItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

// /cart 以下を登録（全て要認証）
func (h *CartHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	g := e.Group("/cart", auth)

	g.GET("", h.getCart)
	g.GET("/summary", h.summary)
	g.POST("/add", h.add)
	g.PUT("/update", h.update)
	g.DELETE("/remove/:productId", h.remove)
	g.DELETE("/clear", h.clear)
}

func (h *CartHandler) getCart(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.GetCart(c.Request().Context(), a.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

func (h *CartHandler) summary(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.Summary(c.Request().Context(), a.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

func (h *CartHandler) add(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req CartItemRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	out, err := h.uc.AddItem(c.Request().Context(), a.UserID, usecase.CartItemInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "item added to cart", out)
}

func (h *CartHandler) update(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req CartItemRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	out, err := h.uc.SetItemQuantity(c.Request().Context(), a.UserID, usecase.CartItemInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "cart updated", out)
}

func (h *CartHandler) remove(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	productID, ok := pathID(c, "productId")
	if !ok {
		return badRequest(c, "invalid productId")
	}

	out, err := h.uc.RemoveItem(c.Request().Context(), a.UserID, productID)
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "item removed from cart", out)
}

func (h *CartHandler) clear(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.Clear(c.Request().Context(), a.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "cart cleared", out)
}

func respondOK(c echo.Context, data any) error {
	return respond(c, http.StatusOK, data)
}
