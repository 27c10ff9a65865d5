package auth

import (
	"time"
)

// Method represents the type of authentication
type Method string

const (
	MethodBasic        Method = "basic"         // username/password
	MethodClientSecret Method = "client_secret" // client_id/client_secret
	MethodJWT          Method = "jwt"           // token issued by Login
)

// Roles. An operator may start and stop services, a viewer may only read.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Actions checked by the API.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Config is the [auth] section of the daemon config.
type Config struct {
	Enabled   bool           `mapstructure:"enabled"`
	JWTSecret string         `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration  `mapstructure:"token_ttl"`
	Users     []UserConfig   `mapstructure:"users"`
	Clients   []ClientConfig `mapstructure:"clients"`
}

// UserConfig is a user allowed to log in with a password. PasswordHash is
// a bcrypt hash, as printed by `runstat hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// ClientConfig is a machine client authenticating with a shared secret.
type ClientConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Role         string `mapstructure:"role"`
}

// Result represents the result of authentication
type Result struct {
	Success bool   `json:"success"`
	Subject string `json:"subject,omitempty"`
	Role    string `json:"role,omitempty"`
	Token   *Token `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Method       Method `json:"method"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Token        string `json:"token,omitempty"`
}
