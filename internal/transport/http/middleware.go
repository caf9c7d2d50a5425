package http

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/auth"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

const appCheckHeader = "X-App-Check"

// RequestLogger logs basic request details and latency.
func RequestLogger(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	Verify(raw string) (domain.Principal, error)
}

// Authenticate attaches the bearer token's principal to the request context.
// Requests without a valid token pass through anonymously; handlers decide
// whether a principal is required.
func Authenticate(v TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.BearerToken(r.Header.Get("Authorization"))
			if raw != "" {
				p, err := v.Verify(raw)
				if err != nil {
					logger.Debug("rejected bearer token", zap.Error(err))
				} else {
					r = r.WithContext(auth.WithPrincipal(r.Context(), p))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AppCheckVerifier validates an app attestation token.
type AppCheckVerifier interface {
	Verify(raw string) error
}

// RequireAppCheck rejects requests lacking a valid X-App-Check token. With
// v nil it is a pass-through.
func RequireAppCheck(v AppCheckVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.Verify(r.Header.Get(appCheckHeader)); err != nil {
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, domain.ErrAppCheckRequired.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the first X-Forwarded-For hop, falling back to the peer
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
