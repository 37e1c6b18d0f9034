package auth

import (
	"context"

	"github.com/clasperhq/clasper/pkg/errdef"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches a verified Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom retrieves the verified Identity from the context.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, errdef.New(errdef.KindMissingToken, "no identity in context")
	}
	return id, nil
}

// TenantFrom retrieves the tenant ID from the context's Identity.
func TenantFrom(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	if id.TenantID == "" {
		return "", errdef.New(errdef.KindMissingTenant, "identity carries no tenant")
	}
	return id.TenantID, nil
}
