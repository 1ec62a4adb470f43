package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/unpload/unpload/internal/apperr"
)

type contextKey string

const principalKey contextKey = "principal"

// Claims are the bearer token claims. Subject carries the user id.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller
type Principal struct {
	UserID string
	Admin  bool
}

// UserChecker reports whether an account may still make requests
type UserChecker interface {
	IsEnabled(ctx context.Context, userID string) (bool, error)
}

// ErrorWriter renders an authentication failure
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

var (
	errMissingToken   = apperr.Unauthorized(apperr.CodeUnauthenticated, "missing bearer token")
	errInvalidToken   = apperr.Unauthorized(apperr.CodeUnauthenticated, "invalid or expired token")
	errAccountBlocked = apperr.Unauthorized(apperr.CodeUnauthenticated, "account is disabled")
	errAdminRequired  = apperr.Forbidden(apperr.CodeAccessDenied, "administrator access required")
)

// Authenticator verifies HS256 bearer tokens
type Authenticator struct {
	secret  []byte
	users   UserChecker
	onError ErrorWriter
}

// NewAuthenticator creates an authenticator. users may be nil to skip the
// enabled check.
func NewAuthenticator(secret string, users UserChecker, onError ErrorWriter) *Authenticator {
	if onError == nil {
		onError = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return &Authenticator{secret: []byte(secret), users: users, onError: onError}
}

// IssueToken signs a token for userID valid for ttl
func (a *Authenticator) IssueToken(userID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a raw token and returns its principal
func (a *Authenticator) Parse(raw string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims.Subject == "" {
		return nil, errInvalidToken
	}
	return &Principal{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			a.onError(w, r, errMissingToken)
			return
		}

		principal, err := a.Parse(raw)
		if err != nil {
			a.onError(w, r, err)
			return
		}

		if a.users != nil {
			enabled, err := a.users.IsEnabled(r.Context(), principal.UserID)
			if err != nil {
				a.onError(w, r, apperr.Internal(err))
				return
			}
			if !enabled {
				a.onError(w, r, errAccountBlocked)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin rejects authenticated callers without the admin claim
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			a.onError(w, r, errMissingToken)
			return
		}
		if !principal.Admin {
			a.onError(w, r, errAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller stored by the auth middleware
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

