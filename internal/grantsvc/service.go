// Package grantsvc is the grant issuance front door: it authenticates a
// secret key, applies per-tenant rate limiting, deduplicates identical
// requests through the content-addressed cache, and mints signed grant
// tokens.
package grantsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/grantcache"
	"github.com/echorelay/relay/internal/keystore"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/ratelimit"
)

// Error kinds surfaced to the HTTP layer. Raw store errors never escape.
var (
	ErrInvalidRequest = errors.New("invalid grant request")
	ErrUnknownKey     = errors.New("unknown secret key")
	ErrKeyDisabled    = errors.New("secret key disabled")
	ErrKeyRevoked     = errors.New("secret key revoked")
	ErrSigner         = errors.New("grant signer unavailable")
)

// RateLimitedError carries the limiter decision so the HTTP layer can derive
// Retry-After.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return "grant rate limit exceeded"
}

// Request is the issuance input, matching the POST /v1/grant-channel body.
type Request struct {
	SecretKey string             `json:"secret_key"`
	Channel   string             `json:"channel"`
	Topics    []grant.TopicScope `json:"topics"`
	UserID    string             `json:"userId"`
	ExpiresAt int64              `json:"expiresAt,omitempty"` // unix seconds hint
}

// Issue is a successful issuance outcome.
type Issue struct {
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration
	CacheHit  bool

	// RateLimit holds the limiter decision for miss-path issues. Cache hits
	// carry a zero decision: the original mint already consumed budget.
	RateLimit ratelimit.Decision
}

// Service wires the issuance pipeline. All dependencies are interfaces so the
// redis and in-memory backends are interchangeable.
type Service struct {
	signer  *grant.Signer
	keys    keystore.KeyStore
	cache   grantcache.Cache
	limiter ratelimit.Limiter
	limit   int
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(signer *grant.Signer, keys keystore.KeyStore, cache grantcache.Cache, limiter ratelimit.Limiter, limit int, logger zerolog.Logger) *Service {
	return &Service{
		signer:  signer,
		keys:    keys,
		cache:   cache,
		limiter: limiter,
		limit:   limit,
		logger:  logger.With().Str("component", "grantsvc").Logger(),
		now:     time.Now,
	}
}

// Limit exposes the configured issuance budget for response headers.
func (s *Service) Limit() int {
	return s.limit
}

// IssueGrant runs the full pipeline: validate, cache probe, authenticate,
// rate limit, clamp, mint, cache store. Cheap rejects happen before any
// backend traffic; a cache hit returns before authentication and rate
// limiting, since the original mint already paid for both.
func (s *Service) IssueGrant(ctx context.Context, req Request) (Issue, error) {
	start := s.now()
	defer func() {
		monitoring.GrantIssueDuration.Observe(time.Since(start).Seconds())
	}()

	normalized, err := s.validate(req)
	if err != nil {
		monitoring.GrantsDenied.WithLabelValues("invalid").Inc()
		return Issue{}, err
	}

	fingerprint := keystore.Fingerprint(req.SecretKey)
	cacheKey := grantcache.Key(fingerprint, req.Channel, req.UserID, normalized)

	if entry, err := s.cache.Get(ctx, cacheKey); err == nil {
		monitoring.GrantCacheLookups.WithLabelValues("hit").Inc()
		return Issue{
			Token:     entry.Token,
			ExpiresAt: entry.ExpiresAt,
			TTL:       entry.ExpiresAt.Sub(s.now()),
			CacheHit:  true,
		}, nil
	} else if errors.Is(err, grantcache.ErrMiss) {
		monitoring.GrantCacheLookups.WithLabelValues("miss").Inc()
	} else {
		// Cache trouble is never fatal; fall through to the slow path.
		monitoring.GrantCacheLookups.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Msg("Grant cache probe failed")
	}

	record, err := s.keys.Resolve(ctx, req.SecretKey)
	if err != nil {
		return Issue{}, s.mapKeyError(err)
	}

	decision, err := s.limiter.Allow(ctx, record.ProjectID, req.UserID)
	switch {
	case err != nil:
		monitoring.RateLimiterDecisions.WithLabelValues("fail_open").Inc()
		s.logger.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
	case !decision.OK:
		monitoring.RateLimiterDecisions.WithLabelValues("deny").Inc()
		monitoring.GrantsDenied.WithLabelValues("rate_limited").Inc()
		return Issue{}, &RateLimitedError{Decision: decision}
	default:
		monitoring.RateLimiterDecisions.WithLabelValues("allow").Inc()
	}

	now := s.now()
	var hint time.Time
	if req.ExpiresAt > 0 {
		hint = time.Unix(req.ExpiresAt, 0)
	}
	expiresAt := grant.ClampExpiry(now, hint)

	token, err := s.signer.Sign(grant.Grant{
		ProjectID: record.ProjectID,
		Channel:   req.Channel,
		Topics:    normalized,
		UserID:    req.UserID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		monitoring.GrantsDenied.WithLabelValues("signer").Inc()
		s.logger.Error().Err(err).Msg("Grant signing failed")
		return Issue{}, ErrSigner
	}

	if err := s.cache.Put(ctx, cacheKey, grantcache.Entry{Token: token, ExpiresAt: expiresAt}); err != nil {
		s.logger.Warn().Err(err).Msg("Grant cache store failed")
	}

	monitoring.GrantsIssued.Inc()
	return Issue{
		Token:     token,
		ExpiresAt: expiresAt,
		TTL:       expiresAt.Sub(now),
		RateLimit: decision,
	}, nil
}

func (s *Service) validate(req Request) ([]grant.TopicScope, error) {
	if !keystore.ValidFormat(req.SecretKey) {
		return nil, fmt.Errorf("%w: malformed secret key", ErrInvalidRequest)
	}
	if !grant.ValidChannel(req.Channel) {
		return nil, fmt.Errorf("%w: invalid channel name", ErrInvalidRequest)
	}
	if !grant.ValidUserID(req.UserID) {
		return nil, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	if len(req.Topics) == 0 || len(req.Topics) > grant.MaxTopics {
		return nil, fmt.Errorf("%w: topics must contain 1 to %d entries", ErrInvalidRequest, grant.MaxTopics)
	}
	for _, ts := range req.Topics {
		if !grant.ValidTopic(ts.Topic) {
			return nil, fmt.Errorf("%w: invalid topic %q", ErrInvalidRequest, ts.Topic)
		}
		if !ts.Scope.Valid() {
			return nil, fmt.Errorf("%w: invalid scope %q", ErrInvalidRequest, ts.Scope)
		}
	}
	return grant.Normalize(req.Topics), nil
}

func (s *Service) mapKeyError(err error) error {
	switch {
	case errors.Is(err, keystore.ErrKeyDisabled):
		monitoring.GrantsDenied.WithLabelValues("key_disabled").Inc()
		return ErrKeyDisabled
	case errors.Is(err, keystore.ErrKeyRevoked):
		monitoring.GrantsDenied.WithLabelValues("key_revoked").Inc()
		return ErrKeyRevoked
	case errors.Is(err, keystore.ErrNotFound):
		monitoring.GrantsDenied.WithLabelValues("key_unknown").Inc()
		return ErrUnknownKey
	default:
		// Backend trouble must not leak; present it as an unknown key.
		monitoring.GrantsDenied.WithLabelValues("key_backend").Inc()
		s.logger.Error().Err(err).Msg("Keystore resolve failed")
		return ErrUnknownKey
	}
}
