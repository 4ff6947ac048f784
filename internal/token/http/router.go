package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/httpx"
	"github.com/emberauth/ember/pkg/jwtx"
	"github.com/emberauth/ember/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	keys      *jwtx.KeySet
	startTime time.Time
	logger    *slog.Logger

	store store.Store
	cache cache.Store

	TokenService        *service.TokenService
	KeyRotationService  *service.KeyRotationService
	RateLimitService    *service.RateLimitService
	MFAService          *service.MFAService
	ServiceTokenService *service.ServiceTokenService
}

func NewRouter(keys *jwtx.KeySet, st store.Store, ch cache.Store, logger *slog.Logger) *Router {
	r := &Router{
		Mux:       http.NewServeMux(),
		keys:      keys,
		startTime: time.Now(),
		store:     st,
		cache:     ch,
		logger:    logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerTokens()
	r.registerJWKS()
	r.registerMFA()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerTokens() {
	generate := &GenerateHandler{Tokens: r.TokenService, Limiter: r.RateLimitService}
	r.Mux.Handle("POST /v1/tokens/generate",
		httpx.Chain(generate,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	validate := &ValidateHandler{Tokens: r.TokenService}
	r.Mux.Handle("POST /v1/tokens/validate",
		httpx.Chain(validate,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	refresh := &RefreshHandler{Tokens: r.TokenService, Limiter: r.RateLimitService}
	r.Mux.Handle("POST /v1/tokens/refresh",
		httpx.Chain(refresh,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	revoke := &RevokeHandler{Tokens: r.TokenService}
	r.Mux.Handle("POST /v1/tokens/revoke",
		httpx.Chain(revoke,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	revokeAll := &RevokeAllHandler{Tokens: r.TokenService}
	r.Mux.Handle("POST /v1/tokens/revoke-all",
		httpx.Chain(revokeAll,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	serviceToken := &ServiceTokenHandler{ServiceTokens: r.ServiceTokenService}
	r.Mux.Handle("POST /v1/tokens/service",
		httpx.Chain(serviceToken,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerJWKS() {
	r.Mux.Handle("GET /.well-known/jwks.json",
		httpx.Chain(JWKSHandler(r.KeyRotationService),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
}

func (r *Router) registerMFA() {
	enroll := &MFAEnrollHandler{MFA: r.MFAService}
	r.Mux.Handle("POST /v1/mfa/enroll",
		httpx.Chain(enroll,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	verify := &MFAVerifyHandler{MFA: r.MFAService, Limiter: r.RateLimitService}
	r.Mux.Handle("POST /v1/mfa/verify",
		httpx.Chain(verify,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /v1/tokens/health", &TokenHealthHandler{
		Store:     r.store,
		Cache:     r.cache,
		StartTime: r.startTime,
	})
	r.Mux.Handle("GET /v1/jwks/health", &JWKSHealthHandler{
		Keys:     r.keys,
		Rotation: r.KeyRotationService,
	})
}
