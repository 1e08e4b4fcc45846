package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/rs-labo46/ec-checkout/internal/middleware"
	"github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

type AdminOrderHandler struct {
	admin    *usecase.AdminOrderUsecase
	checkout *usecase.CheckoutUsecase
}

func NewAdminOrderHandler(admin *usecase.AdminOrderUsecase, checkout *usecase.CheckoutUsecase) *AdminOrderHandler {
	return &AdminOrderHandler{admin: admin, checkout: checkout}
}

type OrderStatusUpdateRequest struct {
	Status string `json:"status"`
}

func (h *AdminOrderHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	guard := middleware.AdminRoleGuard()

	e.PATCH("/orders/:id/status", h.updateStatus, auth, guard)

	admin := e.Group("/admin", auth, guard)
	admin.GET("/orders", h.list)
	admin.GET("/audit-logs", h.auditLogs)
}

func (h *AdminOrderHandler) list(c echo.Context) error {
	page, ok := queryInt(c, "page")
	if !ok {
		return badRequest(c, "invalid page")
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return badRequest(c, "invalid limit")
	}

	f := repository.AdminOrderListFilter{
		Page:          page,
		Limit:         limit,
		Status:        c.QueryParam("status"),
		PaymentStatus: c.QueryParam("paymentStatus"),
	}

	if v := c.QueryParam("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return badRequest(c, "invalid userId")
		}
		f.UserID = &id
	}

	from, err := queryTime(c, "from")
	if err != nil {
		return badRequest(c, "invalid from")
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return badRequest(c, "invalid to")
	}
	f.From, f.To = from, to

	out, err := h.admin.List(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

// cancelled は返金・在庫戻しを伴うのでキャンセル処理へ回す
func (h *AdminOrderHandler) updateStatus(c echo.Context) error {
	a, ok := authFrom(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}

	var req OrderStatusUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))

	if model.OrderStatus(status) == model.OrderStatusCancelled {
		out, err := h.checkout.CancelOrder(c.Request().Context(), a, id)
		if err != nil {
			return writeError(c, err)
		}
		return okMessage(c, "order cancelled", out)
	}

	out, err := h.admin.AdvanceStatus(c.Request().Context(), a.UserID, id, usecase.AdminUpdateOrderStatusInput{Status: status})
	if err != nil {
		return writeError(c, err)
	}
	return okMessage(c, "order status updated", out)
}

func (h *AdminOrderHandler) auditLogs(c echo.Context) error {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return badRequest(c, "invalid limit")
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return badRequest(c, "invalid offset")
	}

	q := usecase.AuditLogQuery{
		Action: c.QueryParam("action"),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.QueryParam("resourceId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return badRequest(c, "invalid resourceId")
		}
		q.ResourceID = &id
	}
	if v := c.QueryParam("actorId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return badRequest(c, "invalid actorId")
		}
		q.ActorID = &id
	}

	from, err := queryTime(c, "from")
	if err != nil {
		return badRequest(c, "invalid from")
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return badRequest(c, "invalid to")
	}
	q.From, q.To = from, to

	out, err := h.admin.ListAuditLogs(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	return respondOK(c, out)
}

// RFC3339。空ならnil
func queryTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
