package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/platform/httpx"
)

// Caller is the service account behind a verified Google-signed OIDC token, typically Cloud
// Scheduler triggering the order sweep or archive export.
type Caller struct {
	Subject string
	Email   string
	Issuer  string
}

type callerKey struct{}

// WithCaller attaches a verified caller to ctx.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller stored by ServiceAuth.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(*Caller)
	return caller, ok && caller != nil
}

// googleClaims are the fields Google puts in service account identity tokens.
type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// ServiceAuth guards the /internal routes with Google-signed OIDC tokens.
type ServiceAuth struct {
	keys     *JWKSCache
	audience string
	issuers  []string
	callers  []string
	logger   *zap.Logger
	outcomes metric.Int64Counter
}

// ServiceAuthOption customises ServiceAuth.
type ServiceAuthOption func(*ServiceAuth)

// WithIssuers restricts accepted token issuers.
func WithIssuers(issuers ...string) ServiceAuthOption {
	return func(s *ServiceAuth) {
		for _, issuer := range issuers {
			if issuer = strings.TrimSpace(issuer); issuer != "" {
				s.issuers = append(s.issuers, issuer)
			}
		}
	}
}

// WithAllowedCallers restricts accepted service account emails. Empty allows any caller whose
// token carries the audience.
func WithAllowedCallers(emails ...string) ServiceAuthOption {
	return func(s *ServiceAuth) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				s.callers = append(s.callers, email)
			}
		}
	}
}

// WithServiceAuthLogger sets the logger for rejected tokens.
func WithServiceAuthLogger(logger *zap.Logger) ServiceAuthOption {
	return func(s *ServiceAuth) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServiceAuth verifies tokens against keys and requires audience.
func NewServiceAuth(keys *JWKSCache, audience string, opts ...ServiceAuthOption) *ServiceAuth {
	s := &ServiceAuth{keys: keys, audience: strings.TrimSpace(audience), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.outcomes, _ = otel.Meter("github.com/greenbasket/api/internal/platform/auth").Int64Counter(
		"greenbasket.auth.service_tokens",
		metric.WithDescription("Service token verifications by outcome"),
	)
	return s
}

// Require rejects requests without a valid service token.
func (s *ServiceAuth) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, outcome, err := s.verify(ctx, r)
			s.count(ctx, outcome)
			if err != nil {
				s.logger.Warn("service token rejected", zap.String("outcome", outcome), zap.Error(err))
				switch outcome {
				case "missing":
					httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service token required", http.StatusUnauthorized))
				case "unconfigured", "keys_unavailable":
					httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "service token verification unavailable", http.StatusServiceUnavailable))
				case "caller_forbidden":
					httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "caller is not allowed", http.StatusForbidden))
				default:
					httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "service token verification failed", http.StatusUnauthorized))
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

func (s *ServiceAuth) verify(ctx context.Context, r *http.Request) (*Caller, string, error) {
	if s.audience == "" || s.keys == nil {
		return nil, "unconfigured", errors.New("audience or key set not configured")
	}
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		raw = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
	}
	if raw == "" {
		return nil, "missing", errors.New("no token")
	}

	claims := &googleClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, s.keys.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrSigningKeysUnavailable) {
			return nil, "keys_unavailable", err
		}
		return nil, "invalid", err
	}
	if !claims.VerifyAudience(s.audience, true) {
		return nil, "audience_mismatch", errors.New("unexpected audience")
	}
	if len(s.issuers) > 0 && !slices.Contains(s.issuers, claims.Issuer) {
		return nil, "issuer_mismatch", errors.New("unexpected issuer " + claims.Issuer)
	}
	email := strings.ToLower(claims.Email)
	if len(s.callers) > 0 && !(claims.EmailVerified && slices.Contains(s.callers, email)) {
		return nil, "caller_forbidden", errors.New("caller " + email + " not allowed")
	}
	return &Caller{Subject: claims.Subject, Email: email, Issuer: claims.Issuer}, "ok", nil
}

func (s *ServiceAuth) count(ctx context.Context, outcome string) {
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
