package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/rs-labo46/ec-checkout/internal/config"
	"github.com/rs-labo46/ec-checkout/internal/handler"
	"github.com/rs-labo46/ec-checkout/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

// echo にミドルウェアとルートを載せる
func New(cfg config.Config, log *slog.Logger, requestID func() string, h Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID(requestID))
	e.Use(middleware.Tracing(cfg.ServiceName))
	e.Use(middleware.RequestLogger(log))

	RegisterRoutes(e, middleware.AuthJWT(cfg.JWTSecret), h)
	return e
}

// ctx が終わるまで待ち受けて、終わったら graceful shutdown
func Run(ctx context.Context, e *echo.Echo, addr string, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server started", slog.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info("server shutting down")
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
