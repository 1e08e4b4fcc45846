package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/middleware"
	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

// /payments のHTTP
type PaymentHandler struct {
	checkout *usecase.CheckoutUsecase
}

func NewPaymentHandler(checkout *usecase.CheckoutUsecase) *PaymentHandler {
	return &PaymentHandler{checkout: checkout}
}

type ConfirmPaymentRequest struct {
	Token string `json:"token"`
}

func (h *PaymentHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	g := e.Group("/payments")

	g.POST("/initiate", h.initiate, auth)
	// 決済画面からの戻り先。認証なし
	g.POST("/confirm", h.confirm)
	g.GET("/confirm", h.confirm)
	g.GET("/:orderId/status", h.status, auth)
	g.POST("/:orderId/refund", h.refund, auth, middleware.AdminRoleGuard())
}

func (h *PaymentHandler) initiate(c echo.Context) error {
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

// token_ws だけなら通常の確定。TBK_TOKEN 付きは購入者が中断した戻り。
func (h *PaymentHandler) confirm(c echo.Context) error {
	token, abortToken, err := returnTokens(c)
	if err != nil {
		return badRequest(c, "invalid body")
	}

	ctx := c.Request().Context()
	if abortToken != "" {
		out, err := h.checkout.AbortPayment(ctx, abortToken)
		if err != nil {
			return writeError(c, err)
		}
		return respondOK(c, out)
	}
	if token == "" {
		return badRequest(c, "token is required")
	}

	out, err := h.checkout.ConfirmPayment(ctx, token)
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "payment confirmed", out)
}

func returnTokens(c echo.Context) (token string, abortToken string, err error) {
	if c.Request().Method == http.MethodPost &&
		strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var req ConfirmPaymentRequest
		if err := c.Bind(&req); err != nil {
			return "", "", err
		}
		token = strings.TrimSpace(req.Token)
	}
	if token == "" {
		token = strings.TrimSpace(c.FormValue("token_ws"))
	}
	abortToken = strings.TrimSpace(c.FormValue("TBK_TOKEN"))
	return token, abortToken, nil
}

func (h *PaymentHandler) status(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "orderId")
	if !ok {
		return badRequest(c, "invalid orderId")
	}

	out, err := h.checkout.PaymentStatus(c.Request().Context(), a, id)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

func (h *PaymentHandler) refund(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "orderId")
	if !ok {
		return badRequest(c, "invalid orderId")
	}

	out, err := h.checkout.Refund(c.Request().Context(), a, id)
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "payment refunded", out)
}
