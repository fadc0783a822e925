package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/dropsdk"
	"github.com/openmined/syftdrop/internal/utils"
)

// handleUploadGrant issues a single-use PUT grant for one file
func (s *Server) handleUploadGrant(ctx *gin.Context) {
	var req dropsdk.UploadGrantRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		abortWithError(ctx, http.StatusBadRequest, dropsdk.CodeInvalidRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	key, err := objectKey(s.config.Grants.KeyPrefix, req.FileName, s.now())
	if err != nil {
		abortWithError(ctx, http.StatusBadRequest, dropsdk.CodeGrantInvalidName, fmt.Errorf("invalid file name %q", req.FileName))
		return
	}

	contentType := req.FileType
	if contentType == "" {
		contentType = utils.DetectContentType(req.FileName)
	}

	rec := s.ledger.issue(opUpload, key, ctx.GetString(userContextKey), s.config.Grants.TTL)
	rec.CorrelationID = req.CorrelationID
	rec.FileName = req.FileName
	rec.ContentType = contentType

	url, err := s.backend.UploadURL(ctx.Request.Context(), s.baseURL(ctx), rec)
	if err != nil {
		abortWithError(ctx, http.StatusInternalServerError, dropsdk.CodeGrantIssueFailed, fmt.Errorf("issue upload grant: %w", err))
		return
	}
	s.ledger.add(rec)

	slog.Debug("grant issued", "op", rec.Op, "key", key, "user", rec.User, "cid", rec.CorrelationID, "backend", s.backend.Name())
	ctx.PureJSON(http.StatusOK, dropsdk.UploadGrantResponse{
		UploadURL: url,
		FileKey:   key,
		ExpiresAt: rec.ExpiresAt,
	})
}

// handleDownloadGrant issues a single-use GET grant for a stored object
func (s *Server) handleDownloadGrant(ctx *gin.Context) {
	key := ctx.Query("key")
	if !validKey(key) {
		abortWithError(ctx, http.StatusBadRequest, dropsdk.CodeInvalidRequest, fmt.Errorf("invalid key %q", key))
		return
	}

	info, err := s.backend.Stat(ctx.Request.Context(), key)
	if errors.Is(err, ErrObjectNotFound) {
		abortWithError(ctx, http.StatusNotFound, dropsdk.CodeGrantNotFound, fmt.Errorf("object %q not found", key))
		return
	} else if err != nil {
		abortWithError(ctx, http.StatusInternalServerError, dropsdk.CodeInternalError, fmt.Errorf("stat %q: %w", key, err))
		return
	}

	rec := s.ledger.issue(opDownload, key, ctx.GetString(userContextKey), s.config.Grants.TTL)
	rec.ContentType = info.ContentType

	url, err := s.backend.DownloadURL(ctx.Request.Context(), s.baseURL(ctx), rec)
	if err != nil {
		abortWithError(ctx, http.StatusInternalServerError, dropsdk.CodeGrantIssueFailed, fmt.Errorf("issue download grant: %w", err))
		return
	}
	s.ledger.add(rec)

	ctx.PureJSON(http.StatusOK, dropsdk.DownloadGrantResponse{
		URL:       url,
		ExpiresAt: rec.ExpiresAt,
	})
}

// baseURL is the public url grant urls are built on
func (s *Server) baseURL(ctx *gin.Context) string {
	if s.config.HTTP.PublicURL != "" {
		return s.config.HTTP.PublicURL
	}
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + ctx.Request.Host
}
