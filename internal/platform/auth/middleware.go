package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/greenbasket/api/internal/platform/httpx"
)

var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	errNoCredential = errors.New("auth: no bearer token")
)

// TokenVerifier checks a Firebase ID token. *FirebaseVerifier is the production implementation.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier   TokenVerifier
	roleClaim  string
	adminRoles roleSet
	timeout    time.Duration
}

type Option func(*Authenticator)

// WithRoleClaim names the custom claim roles are read from. Defaults to "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithAdminRoles replaces the roles treated as administrators. Defaults to admin and staff.
func WithAdminRoles(roles ...string) Option {
	return func(a *Authenticator) {
		if set := newRoleSet(roles...); len(set) > 0 {
			a.adminRoles = set
		}
	}
}

// WithVerificationTimeout bounds each verification round trip. Defaults to 5s.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		roleClaim:  "role",
		adminRoles: newRoleSet(RoleAdmin, RoleStaff),
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid token. With roles given, the caller must
// also hold one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	wanted := newRoleSet(roles...)
	return a.gate(false, func(id *Identity) *httpx.Error {
		if len(wanted) > 0 && !wanted.any(id.Roles) {
			return forbidden("identity does not have required role")
		}
		return nil
	})
}

// RequireAdmin rejects callers outside the administrator roles.
func (a *Authenticator) RequireAdmin() func(http.Handler) http.Handler {
	return a.gate(false, func(id *Identity) *httpx.Error {
		if !id.Admin {
			return forbidden("administrator role required")
		}
		return nil
	})
}

// OptionalFirebaseAuth lets guests through without an identity. A token that is present but
// invalid is still rejected.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return a.gate(true, nil)
}

func (a *Authenticator) gate(optional bool, check func(*Identity) *httpx.Error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, err := a.authenticate(ctx, r.Header.Get("Authorization"))
			if errors.Is(err, errNoCredential) && optional {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				httpx.WriteError(ctx, w, rejection(err))
				return
			}
			if check != nil {
				if denied := check(identity); denied != nil {
					httpx.WriteError(ctx, w, *denied)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, header string) (*Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, errNoCredential
	}
	raw, ok := bearerToken(header)
	if !ok {
		return nil, errMalformedHeader
	}
	if a == nil || a.verifier == nil {
		return nil, ErrTokenInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}
	return newIdentity(token, a.roleClaim, a.adminRoles), nil
}

var errMalformedHeader = errors.New("auth: malformed authorization header")

func bearerToken(header string) (string, bool) {
	scheme, token, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func rejection(err error) httpx.Error {
	unauthorized := func(code, message string) httpx.Error {
		return httpx.NewError(code, message, http.StatusUnauthorized)
	}
	switch {
	case errors.Is(err, errNoCredential):
		return unauthorized("unauthenticated", "authorization header missing")
	case errors.Is(err, errMalformedHeader):
		return unauthorized("unauthenticated", "authorization header must be a bearer token")
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return unauthorized("token_expired", "firebase id token expired")
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return unauthorized("token_revoked", "firebase id token revoked")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return unauthorized("invalid_token", "firebase id token invalid")
	default:
		return unauthorized("invalid_token", "firebase id token verification failed")
	}
}

func forbidden(message string) *httpx.Error {
	e := httpx.NewError("insufficient_role", message, http.StatusForbidden)
	return &e
}
