package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, expires time.Duration) string {
	t.Helper()
	claims := jwtClaims{
		UserID: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expires)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func protectedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", JWTAuth(testSecret), func(c *gin.Context) {
		id, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})
	return r
}

func get(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := protectedRouter()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{
			name:   "valid token",
			header: "Bearer " + signToken(t, testSecret, time.Hour),
			want:   http.StatusOK,
		},
		{
			name: "missing header",
			want: http.StatusUnauthorized,
		},
		{
			name:   "malformed header",
			header: "Token abc",
			want:   http.StatusUnauthorized,
		},
		{
			name:   "wrong secret",
			header: "Bearer " + signToken(t, "other-secret", time.Hour),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "expired token",
			header: "Bearer " + signToken(t, testSecret, -time.Hour),
			want:   http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestJWTAuthSetsUserID(t *testing.T) {
	r := protectedRouter()
	w := get(r, "Bearer "+signToken(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"admin"`)
}
