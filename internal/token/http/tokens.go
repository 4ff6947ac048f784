package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/pkg/httpx"
)

// GenerateHandler mints a token set for a subject.
type GenerateHandler struct {
	Tokens  *service.TokenService
	Limiter *service.RateLimitService
}

type generateRequest struct {
	SubjectID       string   `json:"subject_id"`
	ClientID        string   `json:"client_id,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	Audience        []string `json:"audience,omitempty"`
	IncludeIdentity bool     `json:"include_identity,omitempty"`
}

func (h *GenerateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.SubjectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}

	ip := httpx.ClientIP(r)
	if h.Limiter != nil && !h.Limiter.Allow(r.Context(), "token-generate",
		service.SubjectIdentifier(req.SubjectID),
		service.IPIdentifier(ip),
	) {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many token requests")
		return
	}

	set, err := h.Tokens.Issue(r.Context(), service.IssueRequest{
		SubjectID:       req.SubjectID,
		ClientID:        req.ClientID,
		Scopes:          req.Scopes,
		Audience:        req.Audience,
		IncludeIdentity: req.IncludeIdentity,
		SourceIP:        ip,
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		writeTokenError(w, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, set)
}

// ValidateHandler introspects a presented token.
type ValidateHandler struct {
	Tokens *service.TokenService
}

type validateRequest struct {
	Token            string   `json:"token"`
	ExpectedType     string   `json:"expected_type,omitempty"`
	ExpectedAudience []string `json:"expected_audience,omitempty"`
	ExpectedIssuer   string   `json:"expected_issuer,omitempty"`
	RequiredScopes   []string `json:"required_scopes,omitempty"`
}

type validateResponse struct {
	Active    bool     `json:"active"`
	Error     string   `json:"error,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
	SubjectID string   `json:"sub,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
}

func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	claims, err := h.Tokens.Validate(r.Context(), req.Token, service.ValidateConstraints{
		ExpectedType:     req.ExpectedType,
		ExpectedAudience: req.ExpectedAudience,
		ExpectedIssuer:   req.ExpectedIssuer,
		RequiredScopes:   req.RequiredScopes,
	})
	if err != nil {
		// Introspection reports inactive rather than failing the request,
		// so callers can distinguish transport errors from bad tokens.
		httpx.NoCache(w)
		httpx.WriteJSON(w, http.StatusOK, validateResponse{
			Active: false,
			Error:  tokenErrorCode(err),
		})
		return
	}

	resp := validateResponse{
		Active:    true,
		TokenID:   claims.ID,
		SubjectID: claims.Subject,
		ClientID:  claims.ClientID,
		TokenType: claims.TokenType,
		Scopes:    claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// RefreshHandler rotates a refresh token into a fresh token set.
type RefreshHandler struct {
	Tokens  *service.TokenService
	Limiter *service.RateLimitService
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ip := httpx.ClientIP(r)
	if h.Limiter != nil && !h.Limiter.Allow(r.Context(), "token-refresh",
		service.IPIdentifier(ip),
	) {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many refresh requests")
		return
	}

	set, err := h.Tokens.Refresh(r.Context(), req.RefreshToken, ip, r.UserAgent())
	if err != nil {
		writeTokenError(w, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, set)
}

// RevokeHandler revokes a single token. Like RFC 7009 it answers 200 with an
// empty object even for tokens it does not recognise, so the endpoint cannot
// be used to probe which tokens exist.
type RevokeHandler struct {
	Tokens *service.TokenService
}

type revokeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "revoked via API"
	}

	claims, err := h.Tokens.Validate(r.Context(), req.Token, service.ValidateConstraints{})
	if err == nil {
		if err := h.Tokens.Revoke(r.Context(), claims.ID, reason); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "revocation failed")
			return
		}
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}

// RevokeAllHandler revokes every live token belonging to a subject.
type RevokeAllHandler struct {
	Tokens *service.TokenService
}

type revokeAllRequest struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason,omitempty"`
}

func (h *RevokeAllHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req revokeAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.SubjectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "bulk revocation via API"
	}

	count, err := h.Tokens.RevokeAllForSubject(r.Context(), req.SubjectID, reason)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "bulk revocation failed")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"revoked": count})
}

// ServiceTokenHandler issues machine-to-machine tokens under a static policy.
type ServiceTokenHandler struct {
	ServiceTokens *service.ServiceTokenService
}

type serviceTokenRequest struct {
	ServiceID string   `json:"service_id"`
	Audience  string   `json:"audience"`
	Scopes    []string `json:"scopes,omitempty"`
}

func (h *ServiceTokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req serviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.ServiceID == "" || req.Audience == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "service_id and audience are required")
		return
	}

	set, err := h.ServiceTokens.IssueServiceToken(r.Context(), req.ServiceID, req.Audience, req.Scopes)
	switch {
	case errors.Is(err, service.ErrUnknownService):
		httpx.WriteError(w, http.StatusForbidden, "unknown_service", "no policy for this service")
		return
	case errors.Is(err, service.ErrScopeNotAllowed):
		httpx.WriteError(w, http.StatusForbidden, "invalid_scope", "requested scope exceeds the service policy")
		return
	case errors.Is(err, service.ErrServiceNoAudience):
		httpx.WriteError(w, http.StatusForbidden, "invalid_target", "audience not permitted for this service")
		return
	case err != nil:
		writeTokenError(w, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, set)
}

// tokenErrorCode maps service sentinels onto wire error codes.
func tokenErrorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrExpired):
		return "token_expired"
	case errors.Is(err, service.ErrRevoked):
		return "token_revoked"
	case errors.Is(err, service.ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, service.ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, service.ErrInsufficientScope):
		return "insufficient_scope"
	case errors.Is(err, service.ErrWrongTokenType):
		return "wrong_token_type"
	case errors.Is(err, service.ErrSubjectLocked):
		return "subject_locked"
	case errors.Is(err, service.ErrMalformed):
		return "malformed_token"
	default:
		return "server_error"
	}
}

func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrMalformed),
		errors.Is(err, service.ErrWrongTokenType):
		httpx.WriteError(w, http.StatusBadRequest, tokenErrorCode(err), "the presented token is not acceptable")
	case errors.Is(err, service.ErrExpired),
		errors.Is(err, service.ErrRevoked),
		errors.Is(err, service.ErrIssuerMismatch):
		httpx.WriteError(w, http.StatusUnauthorized, tokenErrorCode(err), "the presented token is no longer valid")
	case errors.Is(err, service.ErrAudienceMismatch),
		errors.Is(err, service.ErrInsufficientScope):
		httpx.WriteError(w, http.StatusForbidden, tokenErrorCode(err), "the token does not grant this access")
	case errors.Is(err, service.ErrSubjectLocked):
		httpx.WriteError(w, http.StatusForbidden, tokenErrorCode(err), "issuance is temporarily locked for this subject")
	case errors.Is(err, service.ErrKeyUnavailable), errors.Is(err, service.ErrKeyExpired):
		httpx.WriteError(w, http.StatusServiceUnavailable, "key_unavailable", "no usable signing key")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unexpected failure")
	}
}
