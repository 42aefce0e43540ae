package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
)

// Gate failure reasons, reported in the error context and in metrics.
const (
	ReasonAuthMissing       = metrics.ReasonAuthMissing
	ReasonAuthInvalid       = metrics.ReasonAuthInvalid
	ReasonRateLimited       = "RATE_LIMITED"
	ReasonLedgerUnavailable = "LEDGER_UNAVAILABLE"
)

// KeyVerifier authenticates an Authorization header for a service.
// *service.AuthService implements it.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, header, serviceName string) (*model.APIKey, error)
}

// UsageRecorder receives one call per admitted request. *usage.Recorder
// implements it.
type UsageRecorder interface {
	Record(keyID int64, endpoint, method string, status int, elapsed time.Duration)
}

// GateConfig wires the API key gate.
type GateConfig struct {
	Verifier KeyVerifier
	Limiter  ratelimit.Limiter
	Recorder UsageRecorder
	Logger   *slog.Logger
	// ServiceParam is the chi URL parameter holding the service name.
	// Defaults to "serviceName".
	ServiceParam string
}

// APIKeyGate returns an HTTP middleware that guards the data API. Each request
// is verified against the API keys scoped to the service in the URL, checked
// against the key's rate limits, served, and then recorded in the usage ledger.
// Rejected requests (401, 429, 503) are never recorded.
func APIKeyGate(cfg GateConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	param := cfg.ServiceParam
	if param == "" {
		param = "serviceName"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			serviceName := chi.URLParam(r, param)

			key, err := cfg.Verifier.VerifyAPIKey(ctx, r.Header.Get("Authorization"), serviceName)
			if err != nil {
				switch {
				case errors.Is(err, service.ErrMissingCredentials):
					Annotate(ctx, "gate", ReasonAuthMissing)
					metrics.IncAuthFailure(ReasonAuthMissing)
					writeError(w, http.StatusUnauthorized,
						"Authentication required. Provide an API key as 'Authorization: Bearer <key>'.",
						map[string]interface{}{"reason": ReasonAuthMissing})
				case errors.Is(err, service.ErrInvalidCredentials):
					Annotate(ctx, "gate", ReasonAuthInvalid)
					metrics.IncAuthFailure(ReasonAuthInvalid)
					writeError(w, http.StatusUnauthorized, "Invalid API key",
						map[string]interface{}{"reason": ReasonAuthInvalid})
				default:
					logger.Error("api key verification failed", "service", serviceName, "error", err,
						"request_id", GetRequestID(ctx))
					writeError(w, http.StatusInternalServerError, "Authentication error", nil)
				}
				return
			}

			Annotate(ctx, "api_key_id", key.ID, "service", serviceName)

			decision, err := cfg.Limiter.Check(ctx, key.ID, key.RateLimitPerHour)
			if err != nil {
				Annotate(ctx, "gate", ReasonLedgerUnavailable)
				if !errors.Is(err, ratelimit.ErrLedgerUnavailable) {
					logger.Error("rate limit check failed", "api_key_id", key.ID, "error", err)
				}
				writeError(w, http.StatusServiceUnavailable, "Rate limit state unavailable, try again later",
					map[string]interface{}{"reason": ReasonLedgerUnavailable})
				return
			}
			if decision.Exceeded {
				Annotate(ctx, "gate", ReasonRateLimited, "reset_in", decision.ResetIn)
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
				writeJSON(w, http.StatusTooManyRequests, model.RateLimitResponse{
					Error: model.ErrorDetail{
						Code:    http.StatusTooManyRequests,
						Message: "Rate limit exceeded",
						Context: map[string]interface{}{"reason": ReasonRateLimited},
					},
					Limit:   decision.Limit,
					Usage:   decision.Usage,
					ResetIn: decision.ResetIn,
				})
				return
			}

			principal := &Principal{Type: PrincipalAPIKey, AdminID: key.OwnerID, APIKey: key}
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			// Admitted requests are recorded even when the handler panics; the
			// panic is then passed on to the recoverer.
			defer func() {
				status := ww.status
				p := recover()
				if p != nil {
					status = http.StatusInternalServerError
				}

				elapsed := time.Since(start)
				metrics.ObserveRequestDuration(r.Method, elapsed)
				if cfg.Recorder != nil {
					cfg.Recorder.Record(key.ID, r.URL.Path, r.Method, status, elapsed)
				}
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, AuthPrincipalKey, principal)))
		})
	}
}
