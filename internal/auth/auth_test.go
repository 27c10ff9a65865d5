package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	svc, err := NewService(Config{
		Enabled:   true,
		JWTSecret: "test-secret",
		Users: []UserConfig{
			{Username: "alice", PasswordHash: hash, Role: "operator"},
			{Username: "bob", PasswordHash: hash},
		},
		Clients: []ClientConfig{{ClientID: "ci", ClientSecret: "token", Role: "admin"}},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Users: []UserConfig{{Username: "a", PasswordHash: "plain"}}})
	assert.Error(t, err)

	hash, err := HashPassword("x")
	require.NoError(t, err)
	_, err = NewService(Config{Users: []UserConfig{{Username: "a", PasswordHash: hash, Role: "root"}}})
	assert.Error(t, err)

	_, err = NewService(Config{Clients: []ClientConfig{{ClientID: "a"}}})
	assert.Error(t, err)

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Authenticate(LoginRequest{Method: MethodBasic, Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, res.Role)

	res, err = svc.Authenticate(LoginRequest{Method: MethodBasic, Username: "bob", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, res.Role)

	_, err = svc.Authenticate(LoginRequest{Method: MethodBasic, Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(LoginRequest{Method: MethodBasic, Username: "mallory", Password: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err = svc.Authenticate(LoginRequest{Method: MethodClientSecret, ClientID: "ci", ClientSecret: "token"})
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, res.Role)
	_, err = svc.Authenticate(LoginRequest{Method: MethodClientSecret, ClientID: "ci", ClientSecret: "tok"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(LoginRequest{Method: "magic"})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Login(LoginRequest{Method: MethodBasic, Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	require.NotNil(t, res.Token)
	assert.Equal(t, "Bearer", res.Token.Type)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), res.Token.ExpiresAt, time.Minute)

	got, err := svc.Authenticate(LoginRequest{Method: MethodJWT, Token: res.Token.Value})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, RoleOperator, got.Role)

	// another secret rejects the token
	other, err := NewService(Config{JWTSecret: "other"})
	require.NoError(t, err)
	_, err = other.Authenticate(LoginRequest{Method: MethodJWT, Token: res.Token.Value})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Login(LoginRequest{Method: MethodJWT, Token: res.Token.Value})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleViewer, ActionRead))
	assert.False(t, HasPermission(RoleViewer, ActionWrite))
	assert.True(t, HasPermission(RoleOperator, ActionWrite))
	assert.True(t, HasPermission(RoleAdmin, ActionWrite))
	assert.False(t, HasPermission("", ActionRead))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMiddleware(newTestService(t))
	g := gin.New()
	g.POST("/login", m.GinLogin)
	api := g.Group("/", m.GinAuth())
	api.GET("/read", m.GinRequire(ActionRead), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	api.POST("/write", m.GinRequire(ActionWrite), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(method, path string, set func(*http.Request)) int {
		req := httptest.NewRequest(method, path, nil)
		if set != nil {
			set(req)
		}
		w := httptest.NewRecorder()
		g.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/read", nil))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/read", func(r *http.Request) { r.SetBasicAuth("bob", "s3cret") }))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/write", func(r *http.Request) { r.SetBasicAuth("bob", "s3cret") }))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/write", func(r *http.Request) {
		r.Header.Set("X-Client-Id", "ci")
		r.Header.Set("X-Client-Secret", "token")
	}))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/read", func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") }))

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"s3cret"}`))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"Bearer"`)

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"bad"}`))
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
