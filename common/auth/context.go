package auth

import (
	"context"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type callerKey struct{}

// WithCaller returns a context acting on behalf of caller.
func WithCaller(ctx context.Context, caller model.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (model.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(model.Address)
	return caller, ok && !caller.IsZero()
}

// ContextAuthorizer accepts a party address only when it is the caller
// carried by the context.
type ContextAuthorizer struct{}

func (ContextAuthorizer) RequireAuth(ctx context.Context, addr model.Address) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return apperrors.Unauthorized("no authenticated caller")
	}
	if addr.IsZero() || caller != addr {
		return apperrors.Unauthorized("%s cannot act for %q", caller, addr)
	}
	return nil
}

var _ model.Authorizer = ContextAuthorizer{}
