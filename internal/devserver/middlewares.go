package devserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/dropsdk"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
)

// blob bodies are already compressed media and websocket frames must not be buffered
var gzipExcludedPaths = []string{
	blobRoute,
	"/api/v1/events",
	"/healthz",
}

func requestLogger() gin.HandlerFunc {
	httpLogger := slog.Default().WithGroup("http")

	return slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	})
}

func compression() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.BestSpeed,
		gzip.WithExcludedPaths(gzipExcludedPaths),
	)
}

func crossOrigin() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:    []string{"*"},
		AllowHeaders:    []string{"*"},
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		ExposeHeaders:   []string{"ETag"},
		AllowWebSockets: true,
	})
}

// strictTransport is applied when the server terminates tls itself
func strictTransport() gin.HandlerFunc {
	return secure.New(secure.Config{
		SSLRedirect:          true,
		IsDevelopment:        false,
		STSSeconds:           315360000,
		STSIncludeSubdomains: true,
		FrameDeny:            true,
		ContentTypeNosniff:   true,
		BrowserXssFilter:     true,
		IENoOpen:             true,
		SSLProxyHeaders:      map[string]string{"X-Forwarded-Proto": "https"},
	})
}

// noSniff stops browsers from rendering stored blobs as something other than their content type
func noSniff() gin.HandlerFunc {
	return secure.New(secure.Config{
		ContentTypeNosniff: true,
		IENoOpen:           true,
	})
}

// rateLimiter limits grant issuance per client ip
func rateLimiter(formattedRate string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", formattedRate, err)
	}

	return mgin.NewMiddleware(
		limiter.New(memory.NewStore(), rate),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.PureJSON(http.StatusTooManyRequests, apiError{
				Code:    dropsdk.CodeRateLimited,
				Message: "rate limit exceeded",
			})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			c.PureJSON(http.StatusInternalServerError, apiError{
				Code:    dropsdk.CodeInternalError,
				Message: err.Error(),
			})
		}),
	), nil
}
