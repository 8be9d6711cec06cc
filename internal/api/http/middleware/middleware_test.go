package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(apiKey string) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/api/ping", APIKeyAuth(apiKey), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("requested_by"))
	})
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		provided   string
		wantStatus int
	}{
		{"not configured", "", "anything", http.StatusServiceUnavailable},
		{"missing key", "secret", "", http.StatusUnauthorized},
		{"wrong key", "secret", "guess", http.StatusUnauthorized},
		{"valid key", "secret", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(tt.configured)
			req, _ := http.NewRequest("GET", "/api/ping", nil)
			if tt.provided != "" {
				req.Header.Set(apiKeyHeader, tt.provided)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "admin", w.Body.String())
			}
		})
	}
}
