package http

import (
	"net/http"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/pkg/httpx"
	"github.com/emberauth/ember/pkg/jwtx"
)

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// TokenHealthHandler reports whether the token pipeline can serve traffic:
// the store answers and the cache answers.
type TokenHealthHandler struct {
	Store     store.Store
	Cache     cache.Store
	StartTime time.Time
}

func (h *TokenHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"store": "ok",
		"cache": "ok",
	}
	healthy := true

	if err := h.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if err := h.Cache.Ping(r.Context()); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	}

	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(h.StartTime).Round(time.Second).String(),
		Checks: checks,
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.WriteJSON(w, code, resp)
}

// JWKSHealthHandler reports whether verification keys are available.
type JWKSHealthHandler struct {
	Keys     *jwtx.KeySet
	Rotation *service.KeyRotationService
}

func (h *JWKSHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Keys.IsReady() {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "degraded",
			Checks: map[string]string{"keys": "no verification keys loaded"},
		})
		return
	}

	if _, err := h.Rotation.ActiveSigningKey(r.Context()); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "degraded",
			Checks: map[string]string{"active_key": err.Error()},
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Checks: map[string]string{"keys": "ok", "active_key": "ok"},
	})
}
