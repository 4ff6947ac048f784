package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/domain"
)

// DefaultServiceTokenTTL bounds service-to-service credentials tightly.
const DefaultServiceTokenTTL = time.Hour

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrScopeNotAllowed   = errors.New("scope not in service policy")
	ErrServiceNoAudience = errors.New("audience not in service policy")
)

// ServicePolicy is the static allow-list for one calling service. Callers
// cannot request scopes or audiences beyond their declared policy.
type ServicePolicy struct {
	AllowedScopes    []string
	AllowedAudiences []string
	TTL              time.Duration
}

// ServiceTokenService mints short-lived service-to-service tokens over the
// token issuer. Subjects are namespaced svc:<id> so downstream policy can
// tell machine callers from humans, and results are cached per caller and
// audience until the token expires.
type ServiceTokenService struct {
	Tokens   *TokenService
	Cache    cache.Store
	Policies map[string]ServicePolicy

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *ServiceTokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// IssueServiceToken issues (or returns a still-live cached) token set for the
// calling service. An empty scopes slice grants the full allow-list.
func (s *ServiceTokenService) IssueServiceToken(ctx context.Context, callerServiceID, targetAudience string, scopes []string) (*domain.TokenSet, error) {
	policy, ok := s.Policies[callerServiceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, callerServiceID)
	}

	if len(policy.AllowedAudiences) > 0 && !slices.Contains(policy.AllowedAudiences, targetAudience) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNoAudience, targetAudience)
	}

	if len(scopes) == 0 {
		scopes = policy.AllowedScopes
	}
	for _, scope := range scopes {
		if !slices.Contains(policy.AllowedScopes, scope) {
			return nil, fmt.Errorf("%w: %s", ErrScopeNotAllowed, scope)
		}
	}

	cacheKey := fmt.Sprintf("svctok:%s:%s", callerServiceID, targetAudience)
	if set, ok := s.cachedSet(ctx, cacheKey); ok {
		return set, nil
	}

	ttl := policy.TTL
	if ttl <= 0 {
		ttl = DefaultServiceTokenTTL
	}

	set, err := s.Tokens.Issue(ctx, IssueRequest{
		SubjectID:  "svc:" + callerServiceID,
		ClientID:   callerServiceID,
		Scopes:     scopes,
		Audience:   []string{targetAudience},
		AccessTTL:  ttl,
		RefreshTTL: ttl,
	})
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, cacheKey, set, ttl)
	return set, nil
}

// cachedTokenSet carries the absolute expiry alongside the set so a cache
// hit can report the real remaining lifetime, not the lifetime at mint time.
type cachedTokenSet struct {
	Set       domain.TokenSet `json:"set"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s *ServiceTokenService) cachedSet(ctx context.Context, key string) (*domain.TokenSet, bool) {
	if s.Cache == nil {
		return nil, false
	}
	raw, ok, err := s.Cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var entry cachedTokenSet
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false
	}
	remaining := entry.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil, false
	}
	set := entry.Set
	set.ExpiresIn = remaining
	return &set, true
}

func (s *ServiceTokenService) cacheSet(ctx context.Context, key string, set *domain.TokenSet, ttl time.Duration) {
	if s.Cache == nil {
		return
	}
	raw, err := json.Marshal(cachedTokenSet{Set: *set, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		return
	}
	// Cache slightly under the token lifetime so a cached set is never
	// handed out already expired.
	cacheTTL := ttl - time.Minute
	if cacheTTL <= 0 {
		return
	}
	_ = s.Cache.Set(ctx, key, string(raw), cacheTTL)
}
