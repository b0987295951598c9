package http

import (
	"net/http"
	"path"
	"strings"

	"github.com/astro-web3/gateway-authz/internal/config"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Mount is a plain http.Handler served under Path and every path below it.
type Mount struct {
	Path    string
	Handler http.Handler
}

func NewRouter(handler *Handler, cfg *config.Config, mounts ...Mount) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	if cfg.Observability.TraceEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	if cfg.Observability.MetricsEnabled && handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	for _, m := range mounts {
		router.Any(strings.TrimSuffix(m.Path, "/")+"/*method", gin.WrapH(m.Handler))
	}

	for _, route := range cfg.Gateway.Routes {
		for _, alias := range route.Aliases {
			handlers := make([]gin.HandlerFunc, 0, 2)
			if route.Authorization {
				handlers = append(handlers, handler.Authorize)
			}
			handlers = append(handlers, handler.Dispatch(alias.Action))

			fullPath := path.Join(route.Path, alias.Path)
			switch method := strings.ToUpper(alias.Method); method {
			case "", "*", "ALL":
				router.Any(fullPath, handlers...)
			default:
				router.Handle(method, fullPath, handlers...)
			}
		}
	}

	router.NoRoute(handler.AutoAlias(cfg.Gateway.Routes))

	return router
}
