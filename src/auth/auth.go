package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripsage/realtime/src/types"
)

// Identity is the result of a successful token verification.
type Identity struct {
	UserID            string
	Role              string
	PermittedChannels []string
}

// Verifier resolves a bearer token to an identity and its permitted
// channel set. Implementations must be pure functions of the token and
// the current time so they can be called from concurrent connection
// attempts without coordination.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Verification errors, all wrapping types.ErrAuthentication.
var (
	ErrEmptyToken   = fmt.Errorf("%w: empty token", types.ErrAuthentication)
	ErrExpiredToken = fmt.Errorf("%w: token expired", types.ErrAuthentication)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", types.ErrAuthentication)
	ErrNoSubject    = fmt.Errorf("%w: token has no subject", types.ErrAuthentication)
)

// claims is the payload we expect in a TripSage access token. Subject
// carries the user id; Role is an optional custom claim.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTVerifier verifies HS256-signed bearer tokens against a shared
// signing secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the token signature and expiration and derives the
// permitted channel set from the resolved user id.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, ErrEmptyToken
	}

	var c claims
	parsed, err := v.parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Identity{}, ErrNoSubject
	}

	return Identity{
		UserID:            c.Subject,
		Role:              c.Role,
		PermittedChannels: PermittedChannels(c.Subject, c.Role),
	}, nil
}

// PermittedChannels derives the channel set a user may subscribe to.
// Every user gets the shared channels plus a private per-user channel;
// roles extend the set. Deterministic by construction so repeated calls
// for the same identity always agree.
func PermittedChannels(userID, role string) []string {
	channels := []string{"general", "notifications", "user:" + userID}
	switch role {
	case "agent":
		channels = append(channels, "agent:status")
	case "admin":
		channels = append(channels, "agent:status", "admin:alerts")
	}
	return channels
}

// Permitted reports whether channel is in the identity's permitted set.
func (id Identity) Permitted(channel string) bool {
	for _, c := range id.PermittedChannels {
		if c == channel {
			return true
		}
	}
	return false
}

var _ jwt.Claims = (*claims)(nil)
