package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storefront/server/internal/module/auth"
	"github.com/storefront/server/internal/utils/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	t.Run("generates new request ID when not provided", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, GetRequestID(c))
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		headerID := w.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, headerID)
		assert.Equal(t, headerID, w.Body.String())
	})

	t.Run("uses existing request ID from header", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, GetRequestID(c))
		})

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "existing-request-id-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "existing-request-id-123", w.Header().Get(RequestIDHeader))
		assert.Equal(t, "existing-request-id-123", w.Body.String())
	})
}

func TestGetRequestID(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetRequestID(c))

	c.Set(RequestIDKey, "test-id")
	assert.Equal(t, "test-id", GetRequestID(c))
}

func newTestJWT(t *testing.T) *auth.JWTManager {
	t.Helper()
	return auth.NewJWTManager(&auth.JWTConfig{
		Secret:            "test-secret",
		AccessTokenExpiry: time.Minute,
		Issuer:            "storefront",
	})
}

func TestAuth(t *testing.T) {
	jwt := newTestJWT(t)
	validator := NewJWTManagerValidator(jwt)
	userID := uuid.New()

	newRouter := func(optional bool) *gin.Engine {
		router := gin.New()
		router.Use(Auth(validator, optional))
		router.GET("/me", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"user_id": GetUserID(c).String(),
				"email":   GetEmail(c),
				"role":    GetRole(c),
				"authed":  IsAuthenticated(c),
			})
		})
		return router
	}

	t.Run("valid token sets identity", func(t *testing.T) {
		token, _, err := jwt.GenerateAccessToken(userID, "ana@example.com", auth.RoleCustomer)
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+token)
		w := httptest.NewRecorder()
		newRouter(false).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), userID.String())
		assert.Contains(t, w.Body.String(), `"role":"customer"`)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(false).ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+"not-a-token")
		w := httptest.NewRecorder()
		newRouter(false).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
	})

	t.Run("optional auth lets anonymous requests through", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(true).ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"authed":false`)
	})
}

func TestSystemRoleAuthorizer(t *testing.T) {
	adminID := uuid.New()
	a := NewSystemRoleAuthorizer([]string{" Ops@Example.com "}, []string{adminID.String(), "not-a-uuid"})

	assert.True(t, a.IsAdmin(uuid.New(), "ops@example.com", auth.RoleCustomer))
	assert.True(t, a.IsAdmin(adminID, "", ""))
	assert.True(t, a.IsAdmin(uuid.New(), "someone@example.com", auth.RoleAdmin))
	assert.False(t, a.IsAdmin(uuid.New(), "someone@example.com", auth.RoleCustomer))
	assert.False(t, a.IsAdmin(uuid.Nil, "", auth.RoleAdmin))

	var nilAuthorizer *SystemRoleAuthorizer
	assert.False(t, nilAuthorizer.IsAdmin(uuid.New(), "ops@example.com", ""))
}

func TestRequireAdmin(t *testing.T) {
	jwt := newTestJWT(t)
	authorizer := NewSystemRoleAuthorizer(nil, nil)

	router := gin.New()
	router.Use(RequireAuth(NewJWTManagerValidator(jwt)), RequireAdmin(authorizer))
	router.GET("/admin", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})

	call := func(role string) *httptest.ResponseRecorder {
		token, _, err := jwt.GenerateAccessToken(uuid.New(), "x@example.com", role)
		require.NoError(t, err)
		req := httptest.NewRequest("GET", "/admin", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := call(auth.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"admin":true`)

	w = call(auth.RoleCustomer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")
}

func TestResolveRoles(t *testing.T) {
	userID := uuid.New()
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(UserIDKey, userID)
		c.Set(EmailKey, "ops@example.com")
		c.Next()
	}, ResolveRoles(NewSystemRoleAuthorizer([]string{"ops@example.com"}, nil)))
	router.GET("/orders", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/orders", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"admin":true`)
}

func newRedis(t *testing.T) goredis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIdempotency(t *testing.T) {
	newRouter := func(redis goredis.UniversalClient, calls *int, status int) *gin.Engine {
		router := gin.New()
		router.Use(Idempotency(redis, DefaultIdempotencyConfig()))
		router.POST("/orders", func(c *gin.Context) {
			*calls++
			c.JSON(status, gin.H{"call": *calls})
		})
		return router
	}
	post := func(router *gin.Engine, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/orders", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("replays the stored response", func(t *testing.T) {
		calls := 0
		router := newRouter(newRedis(t), &calls, http.StatusCreated)

		first := post(router, "key-1", `{"a":1}`)
		second := post(router, "key-1", `{"a":1}`)

		assert.Equal(t, 1, calls)
		assert.Equal(t, http.StatusCreated, second.Code)
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, "true", second.Header().Get(IdempotentReplayHeader))
	})

	t.Run("different keys run the handler", func(t *testing.T) {
		calls := 0
		router := newRouter(newRedis(t), &calls, http.StatusCreated)

		post(router, "key-1", `{}`)
		post(router, "key-2", `{}`)
		post(router, "", `{}`)
		assert.Equal(t, 3, calls)
	})

	t.Run("key reused with another body is rejected", func(t *testing.T) {
		calls := 0
		router := newRouter(newRedis(t), &calls, http.StatusCreated)

		post(router, "key-1", `{"a":1}`)
		w := post(router, "key-1", `{"a":2}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REUSED")
		assert.Equal(t, 1, calls)
	})

	t.Run("server errors are not stored", func(t *testing.T) {
		calls := 0
		router := newRouter(newRedis(t), &calls, http.StatusServiceUnavailable)

		post(router, "key-1", `{}`)
		post(router, "key-1", `{}`)
		assert.Equal(t, 2, calls)
	})

	t.Run("in-flight key returns conflict", func(t *testing.T) {
		redis := newRedis(t)
		calls := 0
		router := newRouter(redis, &calls, http.StatusCreated)

		hash := sha256.Sum256([]byte(uuid.Nil.String() + ":POST:/orders:key-1"))
		lockKey := idempotencyKeyPrefix + hex.EncodeToString(hash[:]) + ":lock"
		require.NoError(t, redis.Set(context.Background(), lockKey, "1", time.Minute).Err())

		w := post(router, "key-1", `{}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "REQUEST_IN_PROGRESS")
		assert.Equal(t, 0, calls)
	})

	t.Run("replays are counted as cache hits", func(t *testing.T) {
		m := metrics.New("test", prometheus.NewRegistry())
		cfg := DefaultIdempotencyConfig()
		cfg.Metrics = m

		router := gin.New()
		router.Use(Idempotency(newRedis(t), cfg))
		router.POST("/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })

		post(router, "key-1", `{}`)
		post(router, "key-1", `{}`)
		post(router, "key-1", `{}`)

		assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("idempotency")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("idempotency")))
	})

	t.Run("nil redis is a passthrough", func(t *testing.T) {
		calls := 0
		router := newRouter(nil, &calls, http.StatusCreated)

		post(router, "key-1", `{}`)
		post(router, "key-1", `{}`)
		assert.Equal(t, 2, calls)
	})
}

func TestRateLimit(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitByIP(0.001, 2))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000").Code)

	w := call("10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(RateLimitRemaining))
	assert.NotEmpty(t, w.Header().Get(RetryAfter))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000").Code)
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(1, 1)
	l.idle = 0
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	time.Sleep(time.Millisecond)
	l.Sweep()
	assert.Equal(t, 0, l.Len())
}

func TestLogging(t *testing.T) {
	serve := func(status int, target string, mutate func(*http.Request)) *observer.ObservedLogs {
		core, logs := observer.New(zapcore.DebugLevel)
		router := gin.New()
		router.Use(RequestID(), Logging(zap.New(core)))
		router.GET("/test", func(c *gin.Context) {
			c.String(status, "body")
		})

		req := httptest.NewRequest("GET", target, nil)
		if mutate != nil {
			mutate(req)
		}
		router.ServeHTTP(httptest.NewRecorder(), req)
		return logs
	}

	t.Run("logs successful requests at info", func(t *testing.T) {
		logs := serve(http.StatusOK, "/test?foo=bar", func(r *http.Request) {
			r.Header.Set("User-Agent", "TestAgent/1.0")
		})

		entries := logs.FilterMessage("HTTP Request").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

		fields := entries[0].ContextMap()
		assert.EqualValues(t, 200, fields["status"])
		assert.Equal(t, "GET", fields["method"])
		assert.Equal(t, "/test", fields["path"])
		assert.Equal(t, "foo=bar", fields["query"])
		assert.Equal(t, "TestAgent/1.0", fields["user_agent"])
		assert.NotEmpty(t, fields["request_id"])
	})

	t.Run("logs 4xx requests as warnings", func(t *testing.T) {
		entries := serve(http.StatusNotFound, "/test", nil).All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("logs 5xx requests as errors", func(t *testing.T) {
		entries := serve(http.StatusInternalServerError, "/test", nil).All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	})
}

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)

		router := gin.New()
		router.Use(Recovery(zap.New(core)))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		w := httptest.NewRecorder()
		require.NotPanics(t, func() {
			router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")

		entries := logs.FilterMessage("panic recovered").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "test panic", entries[0].ContextMap()["error"])
	})

	t.Run("nil logger", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		w := httptest.NewRecorder()
		require.NotPanics(t, func() {
			router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestMetrics(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())

	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/orders/abc", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/orders/:id", "2xx")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func TestCORS(t *testing.T) {
	assert.NotNil(t, CORS(DefaultCORSConfig()))

	cfg := DefaultCORSConfig()
	assert.Equal(t, []string{"*"}, cfg.AllowOrigins)
	assert.Contains(t, cfg.AllowMethods, "DELETE")
	assert.Contains(t, cfg.AllowHeaders, "Authorization")
	assert.Contains(t, cfg.AllowHeaders, IdempotencyKeyHeader)
	assert.False(t, cfg.AllowCredentials)
}
