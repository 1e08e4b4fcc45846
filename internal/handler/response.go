package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rs-labo46/ec-checkout/internal/middleware"
	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

// 成功時の共通レスポンス
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// 失敗時の共通レスポンス
type ErrorResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, SuccessResponse{Success: true, Data: data})
}

func okMessage(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: message, Data: data})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Message: message, Code: string(usecase.KindValidation)})
}

func writeError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if he, ok := usecase.AsHTTPError(err); ok {
		return c.JSON(he.Status, ErrorResponse{
			Message:   he.Message,
			Code:      string(he.Kind),
			Details:   he.Details,
			Retryable: he.Retryable,
		})
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) && ee.Code < http.StatusInternalServerError {
		return c.JSON(ee.Code, ErrorResponse{Message: http.StatusText(ee.Code)})
	}

	//500
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "internal error", Code: string(usecase.KindInternal)})
}

// AuthJWTが入れた値からAuthContextを作る
func authFrom(c echo.Context) (usecase.AuthContext, bool) {
	userID, ok := c.Get(middleware.CtxUserIDKey).(int64)
	if !ok || userID <= 0 {
		return usecase.AuthContext{}, false
	}
	role, _ := c.Get(middleware.CtxUserRoleKey).(string)
	return usecase.AuthContext{UserID: userID, IsAdmin: role == middleware.RoleAdmin}, true
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "unauthorized", Code: string(usecase.KindUnauthorized)})
}

func pathID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// 空なら0（usecase側でデフォルト）
func queryInt(c echo.Context, name string) (int, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, true
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// echo のデフォルトエラー（ルート無し等）も同じ形で返す
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	_ = writeError(c, err)
}
