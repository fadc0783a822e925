package devserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/version"
)

func (s *Server) setupRoutes() (http.Handler, error) {
	limit, err := rateLimiter(s.config.Grants.RateLimit)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(requestLogger())
	r.Use(gin.Recovery())
	r.Use(compression())
	r.Use(crossOrigin())
	if s.config.HTTP.CertFile != "" {
		r.Use(strictTransport())
	}

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	// local blob store, authorized by signed urls
	if s.local != nil {
		r.PUT(blobRoute+"/*key", s.handleBlobPut)
		r.GET(blobRoute+"/*key", noSniff(), s.handleBlobGet)
	}

	v1 := r.Group("/api/v1")
	v1.Use(jwtAuth(s.config.Auth))
	{
		v1.POST("/grants/upload", limit, s.handleUploadGrant)
		v1.GET("/grants/download", limit, s.handleDownloadGrant)

		// websocket events
		v1.GET("/events", s.hub.Handler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler(), nil
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.DetailedWithApp())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
