package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ErrorHandler превращает ошибки из c.Errors в JSON {code, message, details}.
func ErrorHandler(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := ToAppError(c.Errors.Last().Err)
		if appErr.Err != nil {
			entry := logger.WithError(appErr.Err).WithFields(log.Fields{
				"code":   appErr.Code,
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			})
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Warn("request failed")
			}
		}

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *AppError) gin.H {
	return gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
		"details": appErr.Details,
	}
}

// Recovery перехватывает panic обработчика и отдаёт 500.
func Recovery(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(log.Fields{
					"panic":  r,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"stack":  string(debug.Stack()),
				}).Error("panic recovered")

				_ = c.Error(NewInternal(fmt.Errorf("panic: %v", r)))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RequestLogger пишет строку лога на каждый запрос.
func RequestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	}
}
