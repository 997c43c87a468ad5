// Package tenancy implements §4.7: resolving a tenant from its hashed
// credential, enforcing that the resolved tenant matches the tenant id a
// request names, and gating the elevated admin credential §4.6's two
// operations require behind a mechanism distinct in kind from a tenant's
// own credential. Tenant credentials are opaque shared secrets, never
// stored in the clear; only their SHA-256 hash is persisted or compared,
// and every comparison is timing-safe. The admin credential is instead a
// signed, time-limited session token (HS256 JWT), so a leaked admin token
// expires on its own and carries no reusable secret beyond its lifetime.
//
// Grounded on internal/provider/signature.go's hash-and-constant-time-
// compare shape (used there for webhook HMAC verification, reused here for
// tenant credential comparison); internal/auth/context.go's context-key
// pattern, carried over unchanged in shape for the tenant context helpers;
// internal/auth/middleware.go's Bearer-token extraction and
// Handler/VerifyToken structure, adapted from Keycloak OIDC verification to
// a self-issued HS256 token for the admin path.
package tenancy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// adminTokenSubject is the fixed subject claim every admin token must
// carry, distinguishing a deliberately minted admin token from any other
// HS256 JWT that might otherwise satisfy signature verification alone.
const adminTokenSubject = "entroline-admin"

// HashCredential computes the hex-encoded SHA-256 digest of a credential,
// the only form a credential is ever persisted or compared in (§4.7).
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves tenant credentials and gates the admin credential.
type Authenticator struct {
	store          *store.Store
	adminJWTSecret []byte
}

// New builds an Authenticator. adminJWTSecret signs and verifies admin
// session tokens (config.AdminJWTSecret); an empty value disables every
// admin-gated operation.
func New(st *store.Store, adminJWTSecret string) *Authenticator {
	return &Authenticator{store: st, adminJWTSecret: []byte(adminJWTSecret)}
}

// ResolveTenant maps a raw credential to its owning tenant. An unknown
// credential, an inactive tenant, and a malformed/empty credential all
// collapse to the same Auth error: the caller learns nothing about which
// reason applied.
func (a *Authenticator) ResolveTenant(ctx context.Context, credential string) (store.Tenant, error) {
	if credential == "" {
		return store.Tenant{}, resultkind.New(resultkind.Auth, "missing tenant credential")
	}

	hash := HashCredential(credential)
	tenant, err := a.store.GetTenantByCredentialHash(ctx, hash)
	if resultkind.Is(err, resultkind.NotFound) {
		return store.Tenant{}, resultkind.New(resultkind.Auth, "unknown tenant credential")
	}
	if err != nil {
		return store.Tenant{}, err
	}
	if !constantTimeEqualHex(tenant.CredentialHash, hash) {
		return store.Tenant{}, resultkind.New(resultkind.Auth, "unknown tenant credential")
	}
	if !tenant.Active {
		return store.Tenant{}, resultkind.New(resultkind.Auth, "tenant is not active")
	}
	return tenant, nil
}

// RequireTenantScope enforces that the tenant resolved from the caller's
// credential matches the tenant id named by the request (a path segment or
// a body field, depending on the endpoint). A mismatch is reported as Auth:
// the caller's credential is valid but does not authorize access to the
// named tenant's resources (§7's authentication/authorization bucket, §8
// scenario 5's tenant-A-credential-against-tenant-B-resource case).
func RequireTenantScope(resolvedTenantID, requestedTenantID string) error {
	if resolvedTenantID != requestedTenantID {
		return resultkind.New(resultkind.Auth, "tenant does not own this resource")
	}
	return nil
}

// VerifyAdminCredential gates the two Admin Overrides (§4.6) behind a
// signed, time-limited session token distinct in kind from every tenant's
// own opaque credential.
func (a *Authenticator) VerifyAdminCredential(tokenString string) error {
	if len(a.adminJWTSecret) == 0 {
		return resultkind.New(resultkind.Auth, "admin credential not configured")
	}
	if tokenString == "" {
		return resultkind.New(resultkind.Auth, "missing admin credential")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.adminJWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return resultkind.Wrap(resultkind.Auth, err, "invalid admin credential")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject != adminTokenSubject {
		return resultkind.New(resultkind.Auth, "invalid admin credential")
	}
	return nil
}

// IssueAdminToken mints a signed admin session token valid for ttl from
// now, for an operator to hand to whoever needs elevated access — there is
// no HTTP endpoint that issues these; cmd/entrolined exposes a CLI command
// that wraps this instead, keeping token minting off the network surface.
func IssueAdminToken(secret string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   adminTokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func constantTimeEqualHex(a, b string) bool {
	decodedA, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	decodedB, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(decodedA) != len(decodedB) {
		return false
	}
	return subtle.ConstantTimeCompare(decodedA, decodedB) == 1
}

type contextKey struct{ name string }

var tenantContextKey = &contextKey{"tenant"}

// WithTenant stores the resolved tenant on ctx, for downstream handlers.
func WithTenant(ctx context.Context, tenant store.Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// TenantFromContext retrieves the tenant the credential middleware
// resolved, if any.
func TenantFromContext(ctx context.Context) (store.Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(store.Tenant)
	return tenant, ok
}

// MustTenantFromContext retrieves the resolved tenant, panicking if the
// request reached this point without passing through Middleware. A
// programmer error (a route wired without the middleware), not a
// request-time condition.
func MustTenantFromContext(ctx context.Context) store.Tenant {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		panic("tenancy: no tenant in context; route is missing Middleware")
	}
	return tenant
}

// Middleware resolves the tenant credential carried as a Bearer token on
// every request and stores it on the request context. It rejects before
// next is invoked; handlers downstream can assume MustTenantFromContext
// always succeeds.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r.Header.Get("Authorization"))
		tenant, err := a.ResolveTenant(r.Context(), credential)
		if err != nil {
			writeStatus(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// AdminMiddleware gates a handler behind the elevated admin credential
// instead of a tenant credential. It does not resolve or store a tenant;
// admin handlers take the tenant id as an explicit request parameter.
func (a *Authenticator) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r.Header.Get("Authorization"))
		if err := a.VerifyAdminCredential(credential); err != nil {
			writeStatus(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeStatus(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if resultkind.Is(err, resultkind.NotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
}
