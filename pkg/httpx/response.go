package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorResponse is the OAuth2-style error body used across the HTTP surface.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes a JSON response with the given status code. Content-Type
// and no-store cache headers are always set; every response on this surface
// is sensitive enough that caching is never wanted.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONCached writes a JSON response that shared caches may hold for
// maxAge. Only for public documents like the JWKS; everything else goes
// through WriteJSON.
func WriteJSONCached(w http.ResponseWriter, code int, maxAge time.Duration, v any) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an OAuth2-style error body.
func WriteError(w http.ResponseWriter, code int, err, description string) {
	WriteJSON(w, code, ErrorResponse{Error: err, Description: description})
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
