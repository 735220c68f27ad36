package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/metrics"
)

// DevUserHeader names the caller in development mode when no JWT secret is
// configured.
const DevUserHeader = "X-User-ID"

// devDefaultUser owns sessions created without any identity in development mode.
const devDefaultUser = "local"

var errUnauthorized = errors.New("unauthorized")

type userKey struct{}

// WithUserID returns a context carrying the verified user identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the identity set by RequireUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Authenticator verifies HMAC-signed bearer tokens. The token subject is the
// user identity.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	devMode  bool
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator from the security settings.
func NewAuthenticator(cfg config.SecurityConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		devMode:  cfg.Mode == config.ModeDevelopment,
		logger:   logger,
	}
}

// Verify validates a raw bearer token and returns its subject.
func (a *Authenticator) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	return claims.Subject, nil
}

// RequireUser is middleware that resolves the caller's identity. With a JWT
// secret configured every request needs a valid bearer token. Without one,
// development mode trusts the X-User-ID header (default "local") and any
// other mode rejects the request.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolve(r)
		if err == nil && user == "" {
			err = fmt.Errorf("%w: missing bearer token", errUnauthorized)
			if len(a.secret) == 0 {
				err = fmt.Errorf("%w: authentication is not configured", errUnauthorized)
			}
		}
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), user)))
	})
}

// IdentifyUser is RequireUser for routes that also serve anonymous callers.
// Requests without credentials pass through with no identity; invalid
// credentials are still rejected. Browsers cannot set headers on websocket
// upgrades, so an access_token query parameter is accepted there.
func (a *Authenticator) IdentifyUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolve(r)
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		if user != "" {
			r = r.WithContext(WithUserID(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// resolve returns the caller's identity, or "" when the request carries none
// that this configuration accepts.
func (a *Authenticator) resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if !a.devMode {
			return "", nil
		}
		if user := strings.TrimSpace(r.Header.Get(DevUserHeader)); user != "" {
			return user, nil
		}
		return devDefaultUser, nil
	}

	raw := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", fmt.Errorf("%w: malformed authorization header", errUnauthorized)
		}
		raw = token
	} else if isWebSocketUpgrade(r) {
		raw = r.URL.Query().Get("access_token")
	}
	if raw = strings.TrimSpace(raw); raw == "" {
		return "", nil
	}

	user, err := a.Verify(raw)
	if err != nil {
		a.logger.Debug("rejected bearer token", zap.Error(err))
		return "", err
	}
	return user, nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RateLimiter keeps one token bucket per client address. Idle buckets are
// evicted after ten minutes.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex // makes lookup-or-create atomic per client
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter.
// reqPerSec is the sustained rate, burst is the maximum burst size.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rate.Limit(reqPerSec),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, 10*time.Minute),
	}
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	return rl.limiter(client).Allow()
}

func (rl *RateLimiter) limiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters.Get(client)
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters.Add(client, limiter)
	}
	return limiter
}

// RateLimitMiddleware enforces rate limiting on HTTP requests.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware adapts the limiter to chi's middleware signature.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return RateLimitMiddleware(next, rl)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AccessLog logs each request with zap and records HTTP metrics under the
// matched chi route pattern.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routePattern(r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}

// routePattern keeps metric label cardinality bounded by using the route
// template instead of the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
