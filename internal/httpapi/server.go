package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
)

// Config описывает HTTP API.
type Config struct {
	Addr string
	// AdminSecret — ключ HS256 для PATCH/DELETE. Пустой ключ отключает проверку.
	AdminSecret string
	// AllowedOrigins — CORS allowlist. Пустой список разрешает любые origin.
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultConfig возвращает настройки API по умолчанию.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// NewRouter собирает gin engine с маршрутами /api.
func NewRouter(cfg Config, handler *Handler, logger *log.Entry) *gin.Engine {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}

	r := gin.New()
	r.Use(RequestLogger(logger), ErrorHandler(logger), Recovery(logger))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	api := r.Group("/api")
	api.GET("/invoice-number", handler.nextInvoiceNumber)

	invoices := api.Group("/invoices")
	invoices.POST("", handler.issueInvoice)
	invoices.GET("", handler.listInvoices)
	invoices.GET("/stats", handler.invoiceStats)
	invoices.GET("/export.xlsx", handler.exportInvoices)
	invoices.GET("/:number", handler.getInvoice)
	invoices.GET("/:number/pdf", handler.invoicePDF)
	invoices.POST("/:number/send", handler.sendInvoice)

	admin := invoices.Group("", AdminAuth(cfg.AdminSecret))
	admin.PATCH("/:number", handler.updateInvoice)
	admin.DELETE("/:number", handler.deleteInvoice)

	r.NoRoute(func(c *gin.Context) {
		_ = c.Error(newAppError(http.StatusNotFound, CodeNotFound, "Route not found", nil))
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowMethods(http.MethodPatch, http.MethodDelete)
	cfg.AddAllowHeaders("Authorization", HeaderIdempotencyKey)
	cfg.AddExposeHeaders("Content-Disposition", HeaderIdempotentReplay)
	return cfg
}

// NewServer оборачивает router в gzip и http.Server.
func NewServer(cfg Config, router http.Handler) *http.Server {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           gzhttp.GzipHandler(router),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
