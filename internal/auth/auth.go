// Package auth resolves the authenticated user of an HTTP or WebSocket upgrade request from an
// HS256 bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing, malformed, expired or forged token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator returns the user id a request is made on behalf of.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWT validates HS256 tokens whose subject is the user id. Browsers cannot set headers on a
// WebSocket upgrade, so a token query parameter is accepted too.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT builds a validator. An empty issuer disables the issuer check.
func NewJWT(secret []byte, issuer string) (*JWT, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWT{secret: append([]byte(nil), secret...), parser: jwt.NewParser(opts...)}, nil
}

func (j *JWT) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", fmt.Errorf("missing token: %w", ErrUnauthenticated)
	}
	return j.Verify(token)
}

// Verify checks a raw token and returns its subject.
func (j *JWT) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := j.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Issuer mints tokens the JWT validator accepts. Token issuance policy lives outside this
// service; Issuer exists for development and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewIssuer builds an Issuer. A non-positive ttl defaults to one hour.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: append([]byte(nil), secret...), issuer: issuer, ttl: ttl, nowFn: time.Now}
}

// Issue returns a signed token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	now := i.nowFn()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

type ctxKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored by WithUserID.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the user id for the rest.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
