package http

import (
	"net/http"
	"time"

	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/pkg/httpx"
)

// JWKSHandler publishes the verification keys for the issuer. Keys stay in
// the document through the rotation grace window so resource servers can
// verify tokens signed by a superseded key.
func JWKSHandler(rotation *service.KeyRotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := rotation.PublicKeySet(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to load verification keys")
			return
		}

		httpx.WriteJSONCached(w, http.StatusOK, 5*time.Minute, jwks)
	}
}
