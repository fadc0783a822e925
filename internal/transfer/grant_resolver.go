package transfer

import (
	"context"

	"github.com/openmined/syftdrop/internal/dropsdk"
)

// GrantResolver issues one upload grant per file
type GrantResolver interface {
	ResolveGrant(ctx context.Context, name, contentType, correlationID string) (*dropsdk.Grant, error)
}

// GrantResolverFunc adapts a function to GrantResolver
type GrantResolverFunc func(ctx context.Context, name, contentType, correlationID string) (*dropsdk.Grant, error)

func (f GrantResolverFunc) ResolveGrant(ctx context.Context, name, contentType, correlationID string) (*dropsdk.Grant, error) {
	return f(ctx, name, contentType, correlationID)
}

// SDKResolver requests grants from the drop server
type SDKResolver struct {
	Grants *dropsdk.GrantAPI
}

func (r *SDKResolver) ResolveGrant(ctx context.Context, name, contentType, correlationID string) (*dropsdk.Grant, error) {
	return r.Grants.Upload(ctx, &dropsdk.UploadGrantRequest{
		FileName:      name,
		FileType:      contentType,
		CorrelationID: correlationID,
	})
}
