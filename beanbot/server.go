package beanbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	xRequestIDHeader = "X-Request-ID"

	ginRequestIDKey = "request_id"
	ginLoggerKey    = "request_logger"
)

// newHTTPServer returns an engine with the request ID, logging and
// recovery middleware, and a server for it
func newHTTPServer(cfg ServerConfig, development bool, logger *slog.Logger) (*gin.Engine, *http.Server) {
	if development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(requestIDMiddleware(), requestLogMiddleware(logger), gin.Recovery())

	return r, &http.Server{
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func listen(ctx context.Context, cfg ServerConfig) (net.Listener, error) {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", cfg.Listen, err)
	}
	return ln, nil
}

// serve serves srv on ln until it's shut down, with TLS when cfg has
// both a certificate and key
func serve(srv *http.Server, ln net.Listener, cfg ServerConfig, logger *slog.Logger) error {
	useTLS := cfg.TLSCert != "" && cfg.TLSKey != ""
	logger.Info("listening", "addr", ln.Addr().String(), "tls", useTLS)

	var err error
	if useTLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
	} else {
		logger.Warn("serving without TLS")
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdownServer drains srv, closing any connections still open when
// ctx is done
func shutdownServer(ctx context.Context, srv *http.Server) error {
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(ginRequestIDKey, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// requestLogMiddleware attaches a logger carrying the request's details,
// and logs the request once it's handled
func requestLogMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := base.With(
			slog.Group(
				"request",
				"id", c.GetString(ginRequestIDKey),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.ClientIP(),
			),
		)
		c.Set(ginLoggerKey, logger)
		c.Next()

		status := c.Writer.Status()
		attrs := []any{"status", status, "size", c.Writer.Size(), "took", time.Since(start)}
		level := slog.LevelInfo
		switch {
		case len(c.Errors) > 0:
			level = slog.LevelError
			attrs = append(attrs, "errors", c.Errors.String())
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.Log(c, level, "handled request", attrs...)
	}
}

// requestLogger returns the logger set by requestLogMiddleware
func requestLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func replyError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, httpError{Error: msg})
}
