// Package httpapi wires the external HTTP surface (§6): the provider
// webhook endpoint, the read-only entitlements endpoint, the two admin
// override endpoints, and the three health probes. It owns the single
// place resultkind.Kind is mapped to an HTTP status code for handler
// errors (the webhook route maps its own status via ingest.Outcome).
//
// Grounded on volaticloud's cmd/server/main.go chi + cors + middleware
// stack assembly, widened with github.com/go-chi/httprate for rate
// limiting (§6) which the teacher's router does not need.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/entroline/entroline/internal/adminops"
	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/ingest"
	"github.com/entroline/entroline/internal/provider"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
	"github.com/entroline/entroline/internal/tenancy"
)

// Config bundles the collaborators and tunables the router needs.
type Config struct {
	Store      *store.Store
	Cache      *cache.Coordinator
	Ingestor   *ingest.Ingestor
	AdminOps   *adminops.Ops
	Auth       *tenancy.Authenticator
	Now        func() time.Time
	RateLimit  int           // requests per window, per §6; 0 disables it
	RateWindow time.Duration // defaults to one minute when RateLimit > 0
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// NewRouter assembles the full chi router for one process.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window == 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(cfg.RateLimit, window))
	}

	r.Get("/healthz", healthHandler)
	r.Get("/live", healthHandler)
	r.Get("/ready", readyHandler(cfg.Store))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/provider", webhookHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)
			r.Get("/entitlements", entitlementsHandler(cfg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.Auth.AdminMiddleware)
			r.Post("/grant", grantHandler(cfg))
			r.Post("/revoke", revokeHandler(cfg))
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.DB().PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// webhookHandler implements POST /v1/webhooks/provider (§6). The status
// code is decided entirely by ingest.Outcome; this handler only moves
// bytes and headers.
func webhookHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		outcome := cfg.Ingestor.HandleWebhook(r.Context(), body, r.Header.Get(provider.SignatureHeaderName), cfg.now())
		w.WriteHeader(outcome.StatusCode)
	}
}

// entitlementsResponse is the wire envelope §6 documents for
// GET /v1/entitlements: `{ tenant_id, user_id, entitlements: [...], checked_at }`.
type entitlementsResponse struct {
	TenantID     string             `json:"tenant_id"`
	UserID       string             `json:"user_id"`
	Entitlements []entitlement.View `json:"entitlements"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// entitlementsHandler implements GET /v1/entitlements?tenant_id=&user_id=
// (§6): resolve from cache, falling back to the database and repopulating
// the cache on a miss (§4.4).
func entitlementsHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenancy.MustTenantFromContext(r.Context())
		tenantID := r.URL.Query().Get("tenant_id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, resultkind.New(resultkind.Validation, "user_id is required"))
			return
		}
		if err := tenancy.RequireTenantScope(tenant.TenantID, tenantID); err != nil {
			writeError(w, err)
			return
		}

		now := cfg.now()
		if views, ok := cfg.Cache.Get(r.Context(), tenantID, userID); ok {
			writeJSON(w, http.StatusOK, entitlementsResponse{
				TenantID: tenantID, UserID: userID, Entitlements: views, CheckedAt: now,
			})
			return
		}

		rows, err := cfg.Store.ListEntitlementsForUser(r.Context(), tenantID, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := entitlement.Aggregate(rows, now)
		cfg.Cache.Put(r.Context(), tenantID, userID, views)
		writeJSON(w, http.StatusOK, entitlementsResponse{
			TenantID: tenantID, UserID: userID, Entitlements: views, CheckedAt: now,
		})
	}
}

type grantBody struct {
	TenantID    string     `json:"tenant_id"`
	UserID      string     `json:"user_id"`
	FeatureCode string     `json:"feature_code"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
	Reason      string     `json:"reason"`
	Actor       string     `json:"actor"`
}

// grantHandler implements POST /v1/admin/grant (§4.6, §6).
func grantHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body grantBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, resultkind.Wrap(resultkind.Validation, err, "malformed request body"))
			return
		}

		now := cfg.now()
		req := adminops.GrantRequest{
			TenantID: body.TenantID, UserID: body.UserID, FeatureCode: body.FeatureCode,
			ValidTo: body.ValidTo, Reason: body.Reason, Actor: body.Actor,
		}
		if body.ValidFrom != nil {
			req.ValidFrom = *body.ValidFrom
		}

		views, err := cfg.AdminOps.Grant(r.Context(), req, now)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

type revokeBody struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	FeatureCode  string `json:"feature_code"`
	RevokeReason string `json:"revoke_reason"`
	Actor        string `json:"actor"`
}

// revokeHandler implements POST /v1/admin/revoke (§4.6, §6).
func revokeHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body revokeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, resultkind.Wrap(resultkind.Validation, err, "malformed request body"))
			return
		}

		views, err := cfg.AdminOps.Revoke(r.Context(), adminops.RevokeRequest{
			TenantID: body.TenantID, UserID: body.UserID, FeatureCode: body.FeatureCode,
			RevokeReason: body.RevokeReason, Actor: body.Actor,
		}, cfg.now())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a resultkind.Kind to an HTTP status per §9: the body
// never carries more than a stable, non-leaking error string.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch resultkind.KindOf(err) {
	case resultkind.Validation:
		status = http.StatusBadRequest
	case resultkind.Auth:
		// Every Auth error reaching this switch is a tenant-scope mismatch
		// (internal/tenancy.RequireTenantScope): credential resolution
		// itself rejects before a handler runs, via tenancy.Middleware's own
		// 401 response, never through writeError. A valid credential naming
		// the wrong tenant is a 403 per §7/§8 scenario 5, not a 401.
		status = http.StatusForbidden
	case resultkind.NotFound:
		status = http.StatusNotFound
	case resultkind.Conflict:
		status = http.StatusConflict
	case resultkind.Transient:
		status = http.StatusServiceUnavailable
	case resultkind.Permanent:
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
