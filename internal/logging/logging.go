// Package logging wires log/slog for the gateway: the process logger, the
// request-scoped logger carried on the context, and the access log.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/shelfgate/config"
)

// New returns the process logger writing to w. An unknown level logs at info.
func New(w io.Writer, cfg config.GeneralConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(cfg.LogLevel)}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func level(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// WithComponent tags l with the gateway component that owns it.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l.With("component", name)
}

type ctxKey struct{}

// Attach stores l on ctx for FromContext.
func Attach(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by Attach, or fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback == nil {
		return Discard()
	}
	return fallback
}

// Scope attaches base, tagged with the request id, to every request context.
// It must run after middleware.RequestID.
func Scope(base *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(Attach(req.Context(), base.With("request_id", id))))
			}
			return next(c)
		}
	}
}

// AccessLog writes one line per request, at warn for 4xx and error for 5xx.
func AccessLog(l *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogRoutePath: true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			lvl := slog.LevelInfo
			switch {
			case v.Status >= http.StatusInternalServerError:
				lvl = slog.LevelError
			case v.Status >= http.StatusBadRequest:
				lvl = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("route", v.RoutePath),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			l.LogAttrs(c.Request().Context(), lvl, "http request", attrs...)
			return nil
		},
	})
}
