package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of GinAuth.
const ResultKey = "auth_result"

// Middleware guards gin routes with a Service.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

// Service returns the service behind the middleware.
func (m *Middleware) Service() *Service { return m.svc }

// GinAuth authenticates the request and stores the result in the context.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="runstat"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequire aborts with 403 unless the authenticated role may perform
// action. It must run after GinAuth.
func (m *Middleware) GinRequire(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ResultKey)
		res, _ := v.(*Result)
		if !ok || res == nil || !res.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		if !HasPermission(res.Role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "permission denied",
			})
			return
		}
		c.Next()
	}
}

// authenticate tries a bearer token, then basic auth, then client credentials
// passed as headers.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.Authenticate(LoginRequest{Method: MethodJWT, Token: parts[1]})
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(LoginRequest{Method: MethodBasic, Username: username, Password: password})
	}
	if id, secret := r.Header.Get("X-Client-Id"), r.Header.Get("X-Client-Secret"); id != "" && secret != "" {
		return m.svc.Authenticate(LoginRequest{Method: MethodClientSecret, ClientID: id, ClientSecret: secret})
	}
	return &Result{Success: false}, ErrInvalidCredentials
}

// GinLogin handles POST /login: the body is a LoginRequest and the answer
// the Result carrying a fresh token.
func (m *Middleware) GinLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login request"})
		return
	}
	if req.Method == "" {
		req.Method = MethodBasic
		if req.ClientID != "" {
			req.Method = MethodClientSecret
		}
	}
	res, err := m.svc.Login(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
