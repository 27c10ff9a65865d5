package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/runstat/internal/lifecycle"
	"github.com/loykin/runstat/internal/service"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// httpStatus maps a manager error to its response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotConfigured):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrCommandFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
