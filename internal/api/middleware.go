/**
 * @description
 * This file contains the authentication middleware for the HTTP router. Bearer tokens are
 * RS256 JWTs; the `sub` claim carries the member id and `authorities` the granted roles.
 * The authenticated principal is stored in the request context, where ContextPrincipals
 * reads it on behalf of the application service.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and signature verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

// AuthorityUser is required on every authenticated route.
const AuthorityUser = "ROLE_USER"

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalKey PrincipalContextKey = "principal"

// Principal is the authenticated member behind a request.
type Principal struct {
	Member      domain.MemberID
	Authorities []string
}

// HasAuthority reports whether the principal was granted authority.
func (p Principal) HasAuthority(authority string) bool {
	return slices.Contains(p.Authorities, authority)
}

// MemberClaims are the JWT claims the service understands.
type MemberClaims struct {
	Authorities []string `json:"authorities"`
	jwt.RegisteredClaims
}

// ParsePublicKey decodes a PEM-encoded RSA public key.
func ParsePublicKey(pem []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}
	return key, nil
}

// AuthMiddleware validates bearer tokens signed with publicKey.
func AuthMiddleware(publicKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid Authorization header format")
				return
			}

			claims := &MemberClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return publicKey, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("rejected bearer token", "component", "api", "error", err)
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token")
				return
			}

			member, err := domain.ParseMemberID(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token subject")
				return
			}

			principal := Principal{Member: member, Authorities: claims.Authorities}
			if !principal.HasAuthority(AuthorityUser) {
				writeError(w, http.StatusForbidden, "forbidden", "Missing required authority")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuthority rejects principals lacking authority.
func RequireAuthority(authority string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := GetPrincipal(r.Context())
			if !ok || !principal.HasAuthority(authority) {
				writeError(w, http.StatusForbidden, "forbidden", "Missing required authority")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// ContextPrincipals resolves the caller from the request context.
type ContextPrincipals struct{}

var _ app.PrincipalResolver = ContextPrincipals{}

func (ContextPrincipals) CurrentMember(ctx context.Context) (domain.MemberID, error) {
	principal, ok := GetPrincipal(ctx)
	if !ok {
		return domain.MemberID{}, domain.ErrUnauthenticated
	}
	return principal.Member, nil
}

func (ContextPrincipals) HasAuthority(ctx context.Context, authority string) bool {
	principal, ok := GetPrincipal(ctx)
	return ok && principal.HasAuthority(authority)
}
