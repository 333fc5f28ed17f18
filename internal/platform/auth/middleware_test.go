package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token *firebaseauth.Token
	err   error
	seen  []string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.seen = append(s.seen, idToken)
	return s.token, s.err
}

func tokenFor(uid string, claims map[string]any) *stubTokenVerifier {
	return &stubTokenVerifier{token: &firebaseauth.Token{UID: uid, Claims: claims}}
}

// serve runs mw with the given Authorization header and returns the recorder and the identity
// the inner handler saw.
func serve(t *testing.T, mw func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	if body.Success {
		t.Fatalf("expected failure envelope")
	}
	return body.Error
}

func TestRequireFirebaseAuthBuildsIdentity(t *testing.T) {
	verifier := tokenFor("cus-123", map[string]any{"role": []any{"Staff", "staff"}, "email": " staff@example.com "})
	rr, identity := serve(t, NewAuthenticator(verifier).RequireFirebaseAuth(RoleStaff), "Bearer token-value")

	if rr.Code != http.StatusNoContent || identity == nil {
		t.Fatalf("expected handler to run, got %d", rr.Code)
	}
	if identity.UID != "cus-123" || identity.Email != "staff@example.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if !slices.Equal(identity.Roles, []string{RoleStaff}) || !identity.Admin {
		t.Fatalf("expected single admin staff role, got %+v", identity)
	}
	if identity.Token() == nil || !slices.Equal(verifier.seen, []string{"token-value"}) {
		t.Fatalf("expected verifier to see the raw token, got %v", verifier.seen)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	customer := tokenFor("cus-1", map[string]any{"role": "customer"})
	cases := []struct {
		name     string
		verifier *stubTokenVerifier
		header   string
		roles    []string
		status   int
		code     string
	}{
		{name: "missing header", verifier: customer, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "basic scheme", verifier: customer, header: "Basic abc", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "empty bearer", verifier: customer, header: "Bearer   ", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "expired", verifier: &stubTokenVerifier{err: ErrTokenExpired}, header: "Bearer t", status: http.StatusUnauthorized, code: "token_expired"},
		{name: "invalid", verifier: &stubTokenVerifier{err: ErrTokenInvalid}, header: "Bearer t", status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "blank uid", verifier: tokenFor(" ", nil), header: "Bearer t", status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "missing role", verifier: customer, header: "Bearer t", roles: []string{RoleStaff}, status: http.StatusForbidden, code: "insufficient_role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := NewAuthenticator(tc.verifier).RequireFirebaseAuth(tc.roles...)
			rr, identity := serve(t, mw, tc.header)
			if identity != nil {
				t.Fatalf("handler should not run")
			}
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestIdentityDefaultsAndOwnership(t *testing.T) {
	rr, identity := serve(t, NewAuthenticator(tokenFor("cus-456", nil)).RequireFirebaseAuth(), "Bearer t")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if !identity.HasRole(RoleCustomer) || identity.Admin {
		t.Fatalf("expected plain customer, got %+v", identity)
	}
	if !identity.Owns("cus-456") || identity.Owns("cus-999") || identity.Owns(" ") {
		t.Fatalf("unexpected ownership result")
	}
	if !(&Identity{UID: "ops", Admin: true}).Owns("cus-999") {
		t.Fatalf("expected admin to own every customer")
	}
	var nobody *Identity
	if nobody.Owns("cus-456") || nobody.HasRole(RoleCustomer) {
		t.Fatalf("nil identity must own nothing")
	}
}

func TestRoleClaimShapes(t *testing.T) {
	cases := map[string]struct {
		raw  any
		want []string
	}{
		"csv":      {raw: "Admin, staff,,admin", want: []string{"admin", "staff"}},
		"strings":  {raw: []string{"picker"}, want: []string{"picker"}},
		"map":      {raw: map[string]any{"staff": true, "admin": false, "driver": "yes"}, want: []string{"staff"}},
		"unknown":  {raw: 42, want: []string{}},
		"absent":   {raw: nil, want: []string{}},
	}
	for name, tc := range cases {
		if got := parseRoleClaim(tc.raw); !slices.Equal(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, got)
		}
	}
}

func TestAdminRolesAndCustomClaim(t *testing.T) {
	verifier := tokenFor("ops-1", map[string]any{"perms": "Staff"})
	authn := NewAuthenticator(verifier, WithRoleClaim("perms"), WithAdminRoles("admin"))

	rr, identity := serve(t, authn.RequireFirebaseAuth(), "Bearer t")
	if rr.Code != http.StatusNoContent || !identity.HasRole(RoleStaff) || identity.Admin {
		t.Fatalf("expected non-admin staff from custom claim, got %d %+v", rr.Code, identity)
	}

	rr, _ = serve(t, authn.RequireAdmin(), "Bearer t")
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "insufficient_role" {
		t.Fatalf("expected staff to be refused once admin roles exclude it, got %d", rr.Code)
	}
}

func TestOptionalFirebaseAuth(t *testing.T) {
	mw := NewAuthenticator(&stubTokenVerifier{err: ErrTokenInvalid}).OptionalFirebaseAuth()

	rr, identity := serve(t, mw, "")
	if rr.Code != http.StatusNoContent || identity != nil {
		t.Fatalf("expected anonymous pass-through, got %d %+v", rr.Code, identity)
	}

	rr, _ = serve(t, mw, "Bearer bad")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected invalid token to be rejected, got %d", rr.Code)
	}

	rr, identity = serve(t, NewAuthenticator(tokenFor("cus-9", nil)).OptionalFirebaseAuth(), "Bearer good")
	if rr.Code != http.StatusNoContent || identity == nil || identity.UID != "cus-9" {
		t.Fatalf("expected identity for signed-in shopper, got %d %+v", rr.Code, identity)
	}
}
