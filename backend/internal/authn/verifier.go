// Package authn turns a bearer token into a verified user identity.
package authn

import (
	"context"
	"errors"
)

var (
	ErrUnauthenticated = errors.New("authn: unauthenticated")
	ErrUpstream        = errors.New("authn: auth upstream error")
)

type Identity struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
