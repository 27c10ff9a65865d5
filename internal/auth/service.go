// Package auth authenticates API callers against users and clients declared
// in the config and issues short-lived JWTs for them.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 12 * time.Hour
	issuer          = "runstat"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnsupportedMethod  = errors.New("unsupported authentication method")
)

type principal struct {
	secret string // bcrypt hash for users, plain secret for clients
	role   string
}

// Service authenticates requests. It is immutable after NewService.
type Service struct {
	users     map[string]principal
	clients   map[string]principal
	jwtSecret []byte
	tokenTTL  time.Duration
}

// Claims represents JWT claims
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewService validates cfg and builds a Service. Without a configured
// secret a random one is generated, so issued tokens do not survive a
// restart.
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		users:     make(map[string]principal, len(cfg.Users)),
		clients:   make(map[string]principal, len(cfg.Clients)),
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  cfg.TokenTTL,
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	if len(s.jwtSecret) == 0 {
		s.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(s.jwtSecret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		slog.Warn("No auth.jwt_secret configured, issued tokens will not survive a restart")
	}
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, errors.New("auth user without username")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth user %s: password_hash: %w", u.Username, err)
		}
		role, err := normalizeRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("auth user %s: %w", u.Username, err)
		}
		s.users[u.Username] = principal{secret: u.PasswordHash, role: role}
	}
	for _, c := range cfg.Clients {
		if c.ClientID == "" || c.ClientSecret == "" {
			return nil, errors.New("auth client needs client_id and client_secret")
		}
		role, err := normalizeRole(c.Role)
		if err != nil {
			return nil, fmt.Errorf("auth client %s: %w", c.ClientID, err)
		}
		s.clients[c.ClientID] = principal{secret: c.ClientSecret, role: role}
	}
	return s, nil
}

func normalizeRole(r string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "", RoleViewer:
		return RoleViewer, nil
	case RoleOperator:
		return RoleOperator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", r)
}

// HashPassword returns the bcrypt hash to put in a user's password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate performs authentication based on the login request
func (s *Service) Authenticate(req LoginRequest) (*Result, error) {
	switch req.Method {
	case MethodBasic:
		return s.authenticateBasic(req.Username, req.Password)
	case MethodClientSecret:
		return s.authenticateClientSecret(req.ClientID, req.ClientSecret)
	case MethodJWT:
		return s.authenticateJWT(req.Token)
	default:
		return &Result{Success: false}, ErrUnsupportedMethod
	}
}

// Login authenticates with a password or client secret and issues a token.
func (s *Service) Login(req LoginRequest) (*Result, error) {
	if req.Method == MethodJWT {
		return &Result{Success: false}, ErrUnsupportedMethod
	}
	res, err := s.Authenticate(req)
	if err != nil {
		return res, err
	}
	tok, err := s.issue(res.Subject, res.Role)
	if err != nil {
		return nil, err
	}
	res.Token = tok
	return res, nil
}

func (s *Service) authenticateBasic(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.secret), []byte(password)); err != nil {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return &Result{Success: true, Subject: username, Role: u.role}, nil
}

func (s *Service) authenticateClientSecret(clientID, clientSecret string) (*Result, error) {
	c, ok := s.clients[clientID]
	if !ok || subtle.ConstantTimeCompare([]byte(c.secret), []byte(clientSecret)) != 1 {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return &Result{Success: true, Subject: clientID, Role: c.role}, nil
}

func (s *Service) authenticateJWT(tokenString string) (*Result, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil || !tok.Valid {
		return &Result{Success: false}, ErrInvalidToken
	}
	role, err := normalizeRole(claims.Role)
	if err != nil {
		return &Result{Success: false}, ErrInvalidToken
	}
	return &Result{Success: true, Subject: claims.Subject, Role: role}, nil
}

func (s *Service) issue(subject, role string) (*Token, error) {
	now := time.Now()
	exp := now.Add(s.tokenTTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

// HasPermission reports whether role may perform action.
func HasPermission(role, action string) bool {
	switch role {
	case RoleAdmin, RoleOperator:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	}
	return false
}
