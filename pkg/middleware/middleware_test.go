package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func token(t *testing.T, s *auth.Service, key, secret string) string {
	t.Helper()
	tok, err := s.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	require.NoError(t, err)
	return tok.Token
}

func setupRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client_id": c.GetString("clientID")})
	}
	router.GET("/api/v1/orders", middleware.JWTAuth(secret), ok)
	router.POST("/api/v1/internal/signals", middleware.InternalAuth(secret), ok)
	return router
}

func call(router *gin.Engine, method, path, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	s := auth.NewService("test-secret")
	s.RegisterAPICredentials("viewer", "pw", auth.PermissionRead)
	router := setupRouter(s.Secret())

	w := call(router, http.MethodGet, "/api/v1/orders", "Bearer "+token(t, s, "viewer", "pw"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"client_id":"viewer"`)

	assert.Equal(t, http.StatusUnauthorized, call(router, http.MethodGet, "/api/v1/orders", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, http.MethodGet, "/api/v1/orders", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, http.MethodGet, "/api/v1/orders", "Bearer abc").Code)
}

func TestJWTAuthRequiresClaims(t *testing.T) {
	secret := []byte("test-secret")
	router := setupRouter(secret)

	noClient := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": 4102444800})
	signed, err := noClient.SignedString(secret)
	require.NoError(t, err)

	w := call(router, http.MethodGet, "/api/v1/orders", "Bearer "+signed)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "client_id")
}

func TestInternalAuthNeedsOperatePermission(t *testing.T) {
	s := auth.NewService("test-secret")
	s.RegisterAPICredentials("viewer", "pw", auth.PermissionRead)
	s.RegisterOperator("operator", "s3cret")
	router := setupRouter(s.Secret())

	w := call(router, http.MethodPost, "/api/v1/internal/signals", "Bearer "+token(t, s, "viewer", "pw"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(router, http.MethodPost, "/api/v1/internal/signals", "Bearer "+token(t, s, "operator", "s3cret"))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, call(router, http.MethodPost, "/api/v1/internal/signals", "").Code)
}

func TestRateLimitAuthRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, call(router, http.MethodPost, "/api/v1/auth/token", "").Code)
	assert.Equal(t, http.StatusBadRequest, call(router, http.MethodPost, "/api/v1/auth/token", "").Code)

	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusNoContent, call(router, http.MethodGet, "/metrics", "").Code)
	}
}
