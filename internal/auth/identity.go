package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidIdentity indicates a token that does not name a user.
var ErrInvalidIdentity = errors.New("auth: invalid session identity")

// Identity is the signed-in user a realtime session belongs to, with the credential presented to collaborators.
type Identity struct {
	UserID string
	Token  string
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.UserID) != ""
}

// SameUser reports whether both identities name the same user, regardless of credential rotation.
func (i Identity) SameUser(other Identity) bool {
	return strings.TrimSpace(i.UserID) == strings.TrimSpace(other.UserID)
}

// IdentityFromToken reads the user id out of a session token without verifying
// the signature; the backend verifies it on every request.
func IdentityFromToken(token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidIdentity)
	}
	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token names no user", ErrInvalidIdentity)
	}
	return Identity{UserID: userID, Token: trimmed}, nil
}
