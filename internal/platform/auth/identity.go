package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles carried in the Firebase custom claim. Accounts without the claim are customers.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// Identity is the verified caller of a customer or back-office request.
type Identity struct {
	UID   string
	Email string
	Roles []string
	// Admin is set when one of Roles is an administrator role.
	Admin bool

	token *firebaseauth.Token
}

// newIdentity derives the caller from a verified token.
func newIdentity(token *firebaseauth.Token, roleClaim string, adminRoles roleSet) *Identity {
	id := &Identity{
		UID:   token.UID,
		Roles: parseRoleClaim(token.Claims[roleClaim]),
		token: token,
	}
	if email, ok := token.Claims["email"].(string); ok {
		id.Email = strings.TrimSpace(email)
	}
	if len(id.Roles) == 0 {
		id.Roles = []string{RoleCustomer}
	}
	id.Admin = adminRoles.any(id.Roles)
	return id
}

// Token is the decoded ID token, nil for identities built outside the middleware.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = canonicalRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

// Owns reports whether the caller may act for customerID. Administrators own every customer.
func (i *Identity) Owns(customerID string) bool {
	switch {
	case i == nil:
		return false
	case i.Admin:
		return true
	}
	customerID = strings.TrimSpace(customerID)
	return customerID != "" && customerID == i.UID
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller attached by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}

// roleSet holds canonical role names.
type roleSet map[string]struct{}

func newRoleSet(roles ...string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if role = canonicalRole(role); role != "" {
			set[role] = struct{}{}
		}
	}
	return set
}

func (s roleSet) any(roles []string) bool {
	for _, role := range roles {
		if _, ok := s[canonicalRole(role)]; ok {
			return true
		}
	}
	return false
}

// parseRoleClaim accepts the shapes admin tooling writes into the claim: a comma separated
// string, a list, or a map of role to bool. The result is canonical and free of duplicates.
func parseRoleClaim(raw any) []string {
	var names []string
	switch v := raw.(type) {
	case string:
		names = strings.Split(v, ",")
	case []string:
		names = v
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
	case map[string]any:
		for name, enabled := range v {
			if on, _ := enabled.(bool); on {
				names = append(names, name)
			}
		}
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if role := canonicalRole(name); role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	slices.Sort(out)
	return out
}

func canonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
