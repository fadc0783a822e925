package devserver

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// watchUploads detects objects written straight to storage through presigned urls.
// The first sighting of a granted key consumes the grant and schedules processing.
func (s *Server) watchUploads(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollUploads(ctx)
		}
	}
}

func (s *Server) pollUploads(ctx context.Context) int {
	found := 0
	for _, rec := range s.ledger.pendingUploads() {
		info, err := s.backend.Stat(ctx, rec.Key)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		} else if err != nil {
			slog.Warn("watch stat", "key", rec.Key, "error", err)
			continue
		}

		if !rec.used.CompareAndSwap(false, true) {
			continue
		}
		found++

		slog.Info("blob stored", "key", rec.Key, "size", info.Size, "user", rec.User, "cid", rec.CorrelationID)
		s.processor.Enqueue(&job{
			User:          rec.User,
			Key:           rec.Key,
			FileName:      rec.FileName,
			CorrelationID: rec.CorrelationID,
			Size:          info.Size,
		})
	}
	return found
}
