package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorchat/parlor/internal/chat"
	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/middleware"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/presence"
	"github.com/parlorchat/parlor/internal/room"
	"github.com/parlorchat/parlor/internal/signal"
)

const testSecret = "test-secret"

func newAdminRouter(t *testing.T) (*gin.Engine, *room.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	met := metrics.New(prometheus.NewRegistry())
	svc := room.NewService(presence.NewMemoryStore(), chat.NewMemoryStore(),
		signal.NewRouter(met), time.Hour, met, logging.NewDefault("error"))
	h := New(svc, logging.NewDefault("error"))

	r := gin.New()
	r.POST("/api/auth/login", Login(testSecret))
	r.DELETE("/api/room", middleware.JWTAuth(testSecret), h.ResetRoom)
	return r, svc
}

func login(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/auth/login",
		LoginRequest{Username: "admin", Password: "admin"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginIssuesToken(t *testing.T) {
	r, _ := newAdminRouter(t)
	token := login(t, r)
	assert.NotEmpty(t, token)
}

func TestLoginValidation(t *testing.T) {
	r, _ := newAdminRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/auth/login", gin.H{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResetRoomRequiresAuth(t *testing.T) {
	r, _ := newAdminRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/room", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestResetRoomKicksEveryone(t *testing.T) {
	r, svc := newAdminRouter(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	_, err := svc.Join(ctx, models.JoinRequest{ID: "a", Nickname: "alice"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, models.JoinRequest{ID: "b", Nickname: "bob"})
	require.NoError(t, err)

	token := login(t, r)
	req := httptest.NewRequest(http.MethodDelete, "/api/room", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kicked":2`)

	users, _, err := svc.ListOnline(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, users)
}
