package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/web/handlers"
)

const testSecret = "test-secret-with-enough-entropy"

func whoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := handlers.UserIDFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(user))
	})
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestRequireUser_DevelopmentHeader(t *testing.T) {
	auth := handlers.NewAuthenticator(config.SecurityConfig{Mode: config.ModeDevelopment}, nil)
	h := auth.RequireUser(whoAmI())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(handlers.DevUserHeader, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local", w.Body.String())
}

func TestRequireUser_ProductionWithoutSecret(t *testing.T) {
	auth := handlers.NewAuthenticator(config.SecurityConfig{Mode: config.ModeProduction}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(handlers.DevUserHeader, "alice")
	w := httptest.NewRecorder()
	auth.RequireUser(whoAmI()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
}

func TestRequireUser_BearerToken(t *testing.T) {
	auth := handlers.NewAuthenticator(config.SecurityConfig{
		Mode:      config.ModeProduction,
		JWTSecret: testSecret,
		JWTIssuer: "citegraph-tests",
	}, nil)
	h := auth.RequireUser(whoAmI())

	valid := jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "citegraph-tests",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid token",
			header:     "Bearer " + signToken(t, testSecret, valid),
			wantStatus: http.StatusOK,
			wantBody:   "user-42",
		},
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			header:     "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong signature",
			header:     "Bearer " + signToken(t, "another-secret", valid),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "expired",
			header: "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{
				Subject:   "user-42",
				Issuer:    "citegraph-tests",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "no expiry",
			header: "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{
				Subject: "user-42",
				Issuer:  "citegraph-tests",
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			header: "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{
				Subject:   "user-42",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing subject",
			header: "Bearer " + signToken(t, testSecret, jwt.RegisteredClaims{
				Issuer:    "citegraph-tests",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			// Ignored once a secret is configured.
			req.Header.Set(handlers.DevUserHeader, "mallory")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestIdentifyUser(t *testing.T) {
	auth := handlers.NewAuthenticator(config.SecurityConfig{
		Mode:      config.ModeProduction,
		JWTSecret: testSecret,
	}, nil)
	h := auth.IdentifyUser(whoAmI())
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	tests := []struct {
		name       string
		target     string
		header     string
		upgrade    bool
		wantStatus int
		wantBody   string
	}{
		{name: "anonymous", target: "/ws", wantStatus: http.StatusTeapot},
		{name: "bearer header", target: "/ws", header: "Bearer " + token, wantStatus: http.StatusOK, wantBody: "user-42"},
		{name: "query token on upgrade", target: "/ws?access_token=" + token, upgrade: true, wantStatus: http.StatusOK, wantBody: "user-42"},
		{name: "query token without upgrade", target: "/ws?access_token=" + token, wantStatus: http.StatusTeapot},
		{name: "invalid token", target: "/ws?access_token=garbage", upgrade: true, wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", target: "/ws", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestIdentifyUser_WithoutSecret(t *testing.T) {
	dev := handlers.NewAuthenticator(config.SecurityConfig{Mode: config.ModeDevelopment}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(handlers.DevUserHeader, "alice")
	w := httptest.NewRecorder()
	dev.IdentifyUser(whoAmI()).ServeHTTP(w, req)
	assert.Equal(t, "alice", w.Body.String())

	prod := handlers.NewAuthenticator(config.SecurityConfig{Mode: config.ModeProduction}, nil)
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(handlers.DevUserHeader, "alice")
	w = httptest.NewRecorder()
	prod.IdentifyUser(whoAmI()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code, "header identity is not trusted outside development")
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := handlers.NewRateLimiter(1, 2)
	h := handlers.RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), limiter)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "RATE_LIMITED")
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := handlers.NewRateLimiter(0.001, 1)
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
}

// TestRateLimiter_ConcurrentFirstRequests tests that simultaneous first
// requests from one client share a single bucket.
func TestRateLimiter_ConcurrentFirstRequests(t *testing.T) {
	for round := 0; round < 20; round++ {
		limiter := handlers.NewRateLimiter(0.001, 1)

		const callers = 16
		var allowed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if limiter.Allow("203.0.113.9") {
					allowed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), allowed.Load(), "round %d", round)
	}
}

func TestAccessLog_PassesStatusThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(handlers.AccessLog(nil))
	r.Get("/api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
