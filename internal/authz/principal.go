// Package authz carries the caller's authorization context through the
// pipeline. It does not authenticate anyone itself beyond validating tokens
// and service keys issued elsewhere.
package authz

import (
	"context"
	"errors"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindGuest   Kind = "guest"
	KindService Kind = "service"
)

// Principal identifies who a store call is made on behalf of.
type Principal struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

var ErrNoPrincipal = errors.New("no authorization context")

func User(id string) Principal  { return Principal{Kind: KindUser, ID: id} }
func Guest(id string) Principal { return Principal{Kind: KindGuest, ID: id} }

// Service is the context pipeline stages run under.
func Service(name string) Principal { return Principal{Kind: KindService, ID: name} }

func (p Principal) IsService() bool { return p.Kind == KindService }

func (p Principal) Valid() bool {
	switch p.Kind {
	case KindUser, KindGuest, KindService:
		return p.ID != ""
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || !p.Valid() {
		return Principal{}, false
	}
	return p, true
}

// Require returns the principal on ctx or ErrNoPrincipal.
func Require(ctx context.Context) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
