package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/pkg/httpx"
)

// MFAEnrollHandler provisions a TOTP secret and backup codes for a subject.
type MFAEnrollHandler struct {
	MFA *service.MFAService
}

type mfaEnrollRequest struct {
	SubjectID string `json:"subject_id"`
	Account   string `json:"account"`
}

func (h *MFAEnrollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req mfaEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.SubjectID == "" || req.Account == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id and account are required")
		return
	}

	enrollment, err := h.MFA.Enroll(r.Context(), req.SubjectID, req.Account)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "enrollment failed")
		return
	}

	// The secret and backup codes are only ever shown once.
	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, enrollment)
}

// MFAVerifyHandler checks a TOTP code, falling back to a single-use backup
// code when requested.
type MFAVerifyHandler struct {
	MFA     *service.MFAService
	Limiter *service.RateLimitService
}

type mfaVerifyRequest struct {
	SubjectID  string `json:"subject_id"`
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

func (h *MFAVerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.SubjectID == "" || (req.Code == "" && req.BackupCode == "") {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id and a code are required")
		return
	}

	if h.Limiter != nil && !h.Limiter.Allow(r.Context(), "mfa-verify",
		service.SubjectIdentifier(req.SubjectID),
		service.IPIdentifier(httpx.ClientIP(r)),
	) {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many verification attempts")
		return
	}

	var (
		ok  bool
		err error
	)
	if req.Code != "" {
		ok, err = h.MFA.VerifyCode(r.Context(), req.SubjectID, req.Code)
	} else {
		ok, err = h.MFA.ConsumeBackupCode(r.Context(), req.SubjectID, req.BackupCode)
	}

	switch {
	case errors.Is(err, service.ErrMFANotEnrolled):
		httpx.WriteError(w, http.StatusNotFound, "not_enrolled", "no MFA enrollment for this subject")
		return
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "verification failed")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}
