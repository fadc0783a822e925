package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/dropsdk"
)

// handleBlobPut stores the body of a granted PUT and schedules processing
func (s *Server) handleBlobPut(ctx *gin.Context) {
	key := strings.TrimPrefix(ctx.Param("key"), "/")

	rec, ok := s.authorizeBlob(ctx, http.MethodPut, key)
	if !ok {
		return
	}

	if !strings.EqualFold(ctx.ContentType(), mediaType(rec.ContentType)) {
		abortWithError(ctx, http.StatusForbidden, dropsdk.CodeGrantInvalid,
			fmt.Errorf("content type %q does not match grant %q", ctx.ContentType(), rec.ContentType))
		return
	}

	if _, err := s.ledger.consume(rec.ID, opUpload); err != nil {
		abortGrant(ctx, err)
		return
	}

	info, err := s.local.Put(key, rec.ContentType, ctx.Request.Body)
	if err != nil {
		abortWithError(ctx, http.StatusInternalServerError, dropsdk.CodeInternalError, fmt.Errorf("store %q: %w", key, err))
		return
	}
	slog.Info("blob stored", "key", key, "size", info.Size, "user", rec.User, "cid", rec.CorrelationID)

	s.processor.Enqueue(&job{
		User:          rec.User,
		Key:           key,
		FileName:      rec.FileName,
		CorrelationID: rec.CorrelationID,
		Size:          info.Size,
	})

	ctx.Header("ETag", info.ETag)
	ctx.Status(http.StatusOK)
}

// handleBlobGet serves a stored object through a read grant
func (s *Server) handleBlobGet(ctx *gin.Context) {
	key := strings.TrimPrefix(ctx.Param("key"), "/")

	rec, ok := s.authorizeBlob(ctx, http.MethodGet, key)
	if !ok {
		return
	}
	if _, err := s.ledger.consume(rec.ID, opDownload); err != nil {
		abortGrant(ctx, err)
		return
	}

	f, info, err := s.local.Open(key)
	if errors.Is(err, ErrObjectNotFound) {
		abortWithError(ctx, http.StatusNotFound, dropsdk.CodeGrantNotFound, fmt.Errorf("object %q not found", key))
		return
	} else if err != nil {
		abortWithError(ctx, http.StatusInternalServerError, dropsdk.CodeInternalError, err)
		return
	}
	defer f.Close()

	ctx.DataFromReader(http.StatusOK, info.Size, info.ContentType, f, nil)
}

// authorizeBlob checks the url signature and looks up the grant it names
func (s *Server) authorizeBlob(ctx *gin.Context, method, key string) (*grantRecord, bool) {
	gid, err := s.local.verify(method, key, ctx.Request.URL.Query(), s.now())
	if err != nil {
		abortGrant(ctx, err)
		return nil, false
	}

	rec, ok := s.ledger.get(gid)
	if !ok || rec.Key != key {
		abortGrant(ctx, errGrantUnknown)
		return nil, false
	}
	return rec, true
}

func abortGrant(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, errGrantExpired):
		abortWithError(ctx, http.StatusForbidden, dropsdk.CodeGrantExpired, err)
	case errors.Is(err, errGrantConsumed):
		abortWithError(ctx, http.StatusGone, dropsdk.CodeGrantConsumed, err)
	default:
		abortWithError(ctx, http.StatusForbidden, dropsdk.CodeGrantInvalid, err)
	}
}

func mediaType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(base)
}
