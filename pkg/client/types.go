package client

import (
	"fmt"
	"time"
)

// ServiceStatus is the runtime status of one service as served by
// GET {base}/status.
type ServiceStatus struct {
	Service     string  `json:"service"`
	Running     bool    `json:"running"`
	Pending     bool    `json:"pending"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	Error       string  `json:"error,omitempty"`
	ContainerID string  `json:"container_id,omitempty"`
	LastAction  string  `json:"last_action,omitempty"`
}

// CommandResponse is returned by start and stop.
type CommandResponse struct {
	OK     bool          `json:"ok"`
	Status ServiceStatus `json:"status"`
}

// Token is a bearer token issued by POST {base}/login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is the answer to a successful login.
type LoginResponse struct {
	Success bool   `json:"success"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Token   *Token `json:"token"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-200 answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
