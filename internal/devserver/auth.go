package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/openmined/syftdrop/internal/dropsdk"
)

const (
	bearerPrefix   = "Bearer "
	userContextKey = "user"
	anonymousUser  = "anonymous"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
}

// NewAccessToken signs an HS256 access token for subject
func NewAccessToken(subject string, cfg *AuthConfig) (string, error) {
	var expiry *jwt.NumericDate
	if cfg.AccessTokenExpiry > 0 {
		expiry = jwt.NewNumericDate(time.Now().Add(cfg.AccessTokenExpiry))
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    cfg.TokenIssuer,
			ExpiresAt: expiry,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.AccessTokenSecret))
}

// ParseAccessToken validates the signature, issuer and expiry of a token
func ParseAccessToken(tokenString string, cfg *AuthConfig) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(cfg.AccessTokenSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.TokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// jwtAuth validates bearer tokens and stores the subject in the gin context
func jwtAuth(cfg *AuthConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		slog.Info("auth middleware disabled")
		return func(ctx *gin.Context) {
			ctx.Set(userContextKey, anonymousUser)
			ctx.Next()
		}
	}

	slog.Info("auth middleware enabled")
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(dropsdk.HeaderAuthorization)
		if header == "" {
			abortWithError(ctx, http.StatusUnauthorized, dropsdk.CodeAuthInvalidCredentials, errors.New("Authorization header is missing"))
			return
		}
		if !strings.HasPrefix(header, bearerPrefix) {
			abortWithError(ctx, http.StatusUnauthorized, dropsdk.CodeAuthInvalidCredentials, errors.New("Authorization header format must be Bearer {token}"))
			return
		}

		tokenString := strings.TrimPrefix(header, bearerPrefix)
		if tokenString == "" {
			abortWithError(ctx, http.StatusUnauthorized, dropsdk.CodeAuthInvalidCredentials, errors.New("token is missing"))
			return
		}

		claims, err := ParseAccessToken(tokenString, cfg)
		if err != nil {
			abortWithError(ctx, http.StatusUnauthorized, dropsdk.CodeAuthInvalidCredentials, fmt.Errorf("invalid access token: %w", err))
			return
		}

		ctx.Set(userContextKey, claims.Subject)
		ctx.Next()
	}
}
