package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONIsNeverCacheable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]string{"ok": "yes"})

	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"ok":"yes"}`, rec.Body.String())
}

func TestWriteJSONCachedSetsMaxAge(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONCached(rec, http.StatusOK, 5*time.Minute, map[string]string{"keys": "none"})

	require.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
