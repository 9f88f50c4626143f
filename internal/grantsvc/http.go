package grantsvc

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
)

// Response headers on successful issuance.
const (
	HeaderGrantTTL           = "X-Grant-TTL"
	HeaderGrantExpiresAt     = "X-Grant-Expires-At"
	HeaderGrantCache         = "X-Grant-Cache"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

type grantResponse struct {
	GrantJWT string `json:"grant_jwt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleIssueGrant serves POST /v1/grant-channel.
func (s *Service) HandleIssueGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	issue, err := s.IssueGrant(r.Context(), req)
	if err != nil {
		s.writeIssueError(w, err)
		return
	}

	w.Header().Set(HeaderGrantTTL, strconv.Itoa(int(issue.TTL.Seconds())))
	w.Header().Set(HeaderGrantExpiresAt, strconv.FormatInt(issue.ExpiresAt.Unix(), 10))
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(s.limit))

	if issue.CacheHit {
		w.Header().Set(HeaderGrantCache, "HIT")
	} else {
		w.Header().Set(HeaderGrantCache, "MISS")
		if !issue.RateLimit.FailOpen {
			w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(issue.RateLimit.Remaining))
			w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(issue.RateLimit.ResetAt.Unix(), 10))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(grantResponse{GrantJWT: issue.Token})
}

func (s *Service) writeIssueError(w http.ResponseWriter, err error) {
	var rle *RateLimitedError
	switch {
	case errors.As(err, &rle):
		retryAfter := int(math.Ceil(rle.Decision.RetryAfter(s.now()).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(s.limit))
		w.Header().Set(HeaderRateLimitRemaining, "0")
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(rle.Decision.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownKey), errors.Is(err, ErrKeyDisabled), errors.Is(err, ErrKeyRevoked):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrSigner):
		writeError(w, http.StatusInternalServerError, "grant service unavailable")
	default:
		s.logger.Error().Err(err).Msg("Unexpected issuance failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
