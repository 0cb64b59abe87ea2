// Package identity resolves who the local participant is before a race
// view connects.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoIdentity means identity was required but could not be established.
// The phase machine maps it to the auth error state.
var ErrNoIdentity = errors.New("identity: no usable identity")

// Identity names the local participant for the join handshake.
type Identity struct {
	ClientID    string
	DisplayName string
	Anonymous   bool
}

// FromToken extracts the identity claims from a bearer token. The client
// holds no signing key and the server re-validates on join, so the parse
// is unverified; expired or malformed tokens are still rejected here so
// the view fails fast instead of bouncing off the socket handshake.
func FromToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad exp claim", ErrNoIdentity)
	}
	if exp != nil && exp.Before(time.Now()) {
		return Identity{}, fmt.Errorf("%w: token expired", ErrNoIdentity)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrNoIdentity)
	}
	name, _ := claims["username"].(string)
	return Identity{ClientID: sub, DisplayName: name}, nil
}

// Anonymous mints a throwaway identity for guest participation.
func Anonymous() Identity {
	return Identity{ClientID: "anon-" + uuid.NewString(), Anonymous: true}
}

// Resolve picks the identity for a race view: token claims when available,
// a generated guest id when anonymous play is allowed, ErrNoIdentity
// otherwise.
func Resolve(token string, allowAnonymous bool) (Identity, error) {
	if token != "" {
		id, err := FromToken(token)
		if err == nil {
			return id, nil
		}
		if !allowAnonymous {
			return Identity{}, err
		}
	}
	if allowAnonymous {
		return Anonymous(), nil
	}
	return Identity{}, ErrNoIdentity
}
