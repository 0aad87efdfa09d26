package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/record"
)

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var v access.Validator
	v.Required("nss", "")
	v.Required("phone", "")

	tests := []struct {
		name   string
		err    error
		status int
		body   map[string]interface{}
	}{
		{"validation", v.Err(), http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"fields": map[string]interface{}{"nss": "is required", "phone": "is required"},
		}},
		{"forbidden", fmt.Errorf("carenote.add: %w", access.ErrForbidden), http.StatusForbidden,
			map[string]interface{}{"error": "not authorized"}},
		{"not found", record.ErrRecordNotFound, http.StatusNotFound,
			map[string]interface{}{"error": "medical record: not found"}},
		{"conflict", record.ErrLabPanelFilled, http.StatusBadRequest,
			map[string]interface{}{"error": "lab panel results already recorded: conflict", "code": "conflict"}},
		{"token", auth.ErrExpiredToken, http.StatusUnauthorized,
			map[string]interface{}{"error": "token expired"}},
		{"misconfigured", auth.ErrServerMisconfigured, http.StatusInternalServerError,
			map[string]interface{}{"error": "server misconfigured"}},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError,
			map[string]interface{}{"error": "internal error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			h := NewHandler(Services{}, zap.New(core))

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			h.respondError(c, tt.err)

			require.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.body, body)

			if tt.name == "internal" {
				require.Equal(t, 1, logs.Len())
				assert.NotContains(t, w.Body.String(), "connection refused")
			}
		})
	}
}
