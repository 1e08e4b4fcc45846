package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

// エラーの種類。レスポンスの code にそのまま出す。
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindForbidden           ErrorKind = "FORBIDDEN"
	KindInsufficientStock   ErrorKind = "INSUFFICIENT_STOCK"
	KindEmptyCart           ErrorKind = "EMPTY_CART"
	KindProductUnavailable  ErrorKind = "PRODUCT_UNAVAILABLE"
	KindInvalidTransition   ErrorKind = "INVALID_STATE_TRANSITION"
	KindGatewayAborted      ErrorKind = "GATEWAY_ABORTED"
	KindGatewayInvalidState ErrorKind = "GATEWAY_INVALID_STATE"
	KindGatewayUnavailable  ErrorKind = "GATEWAY_UNAVAILABLE"
	KindConfiguration       ErrorKind = "CONFIGURATION_ERROR"
	KindConflict            ErrorKind = "CONFLICT"
	KindInternal            ErrorKind = "INTERNAL_ERROR"
)

// usecaseが返すエラー。handlerはStatus/Kind/Messageだけを見る。
type HTTPError struct {
	Status    int
	Kind      ErrorKind
	Message   string
	Details   map[string]any
	Retryable bool

	cause error
}

func (e *HTTPError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.cause }

func NewHTTPError(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Kind: kindForStatus(status), Message: message}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

func (e *HTTPError) withCause(err error) *HTTPError {
	e.cause = err
	return e
}

func (e *HTTPError) withDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusBadGateway:
		return KindGatewayUnavailable
	default:
		return KindInternal
	}
}

func newKindError(status int, kind ErrorKind, message string) *HTTPError {
	return &HTTPError{Status: status, Kind: kind, Message: message}
}

func errValidation(message string) *HTTPError {
	return newKindError(http.StatusBadRequest, KindValidation, message)
}

func errNotFound(message string) *HTTPError {
	return newKindError(http.StatusNotFound, KindNotFound, message)
}

func errUnauthorized() *HTTPError {
	return newKindError(http.StatusUnauthorized, KindUnauthorized, "unauthorized")
}

func errForbidden() *HTTPError {
	return newKindError(http.StatusForbidden, KindForbidden, "forbidden")
}

func errEmptyCart() *HTTPError {
	return newKindError(http.StatusBadRequest, KindEmptyCart, "cart is empty")
}

func errProductUnavailable(productID int64) *HTTPError {
	return newKindError(http.StatusBadRequest, KindProductUnavailable, "product is not available").
		withDetails(map[string]any{"productId": productID})
}

func errConflict(message string) *HTTPError {
	return newKindError(http.StatusConflict, KindConflict, message)
}

// 在庫不足。Available は判定時点の在庫。
type InsufficientStockError struct {
	ProductID int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func errInsufficientStock(e *InsufficientStockError) *HTTPError {
	return newKindError(http.StatusBadRequest, KindInsufficientStock, "insufficient stock").
		withDetails(map[string]any{
			"productId": e.ProductID,
			"available": e.Available,
			"requested": e.Requested,
		}).
		withCause(e)
}

// 状態遷移エラー（model.TransitionError）を400にする
func errInvalidTransition(err error) *HTTPError {
	he := newKindError(http.StatusBadRequest, KindInvalidTransition, "invalid state transition").withCause(err)
	var te *model.TransitionError
	if errors.As(err, &te) {
		he.Details = map[string]any{"field": te.Field, "from": te.From, "to": te.To}
	}
	return he
}

// 決済ゲートウェイのエラー分類をHTTPErrorにする
func errGateway(err error) *HTTPError {
	switch {
	case errors.Is(err, gateway.ErrAborted):
		return newKindError(http.StatusBadRequest, KindGatewayAborted, "payment was cancelled by the user").withCause(err)
	case errors.Is(err, gateway.ErrInvalidState):
		return newKindError(http.StatusBadRequest, KindGatewayInvalidState, "payment cannot be processed in its current state").withCause(err)
	case errors.Is(err, gateway.ErrMisconfigured):
		return newKindError(http.StatusInternalServerError, KindConfiguration, "payment service is not configured").withCause(err)
	default:
		he := newKindError(http.StatusBadGateway, KindGatewayUnavailable, "payment service is unavailable, please retry").withCause(err)
		he.Retryable = true
		return he
	}
}

// DBなど想定外のエラー。ログを残して500。
func errInternal(ctx context.Context, log *slog.Logger, msg string, err error, attrs ...any) *HTTPError {
	log.ErrorContext(ctx, msg, append(attrs, slog.Any("error", err))...)
	return newKindError(http.StatusInternalServerError, KindInternal, "internal error").withCause(err)
}
