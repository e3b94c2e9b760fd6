// Package auth binds a connection's identity to a signed HS256 token issued by
// the platform. Without a configured secret the broker runs in advisory mode
// and trusts the identity supplied by the client.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realtime/internal/realtime"
)

type Config struct {
	Secret string `env:"AUTH_JWT_SECRET"`
	Issuer string `env:"AUTH_JWT_ISSUER" envDefault:"realtimed"`
}

// Claims carries the platform role next to the registered claims; the user
// id is the subject.
type Claims struct {
	Role realtime.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is a verified user.
type Identity struct {
	UserID string
	Role   realtime.Role
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(config Config) (*Verifier, error) {
	if config.Secret == "" {
		return nil, errors.New("auth secret is required")
	}

	return &Verifier{secret: []byte(config.Secret), issuer: config.Issuer}, nil
}

// Issue signs a token for userID with role, valid for ttl.
func (v *Verifier) Issue(userID string, role realtime.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses tokenStr and returns the identity it carries.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, fmt.Errorf("%w: missing token", realtime.ErrInvalidCredential)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", realtime.ErrInvalidCredential, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Role == "" {
		return Identity{}, fmt.Errorf("%w: token lacks subject or role", realtime.ErrInvalidCredential)
	}

	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
