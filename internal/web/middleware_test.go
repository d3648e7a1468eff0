package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		SecurityHeaders()(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
		if headers.Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		SecurityHeaders()(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	limiter := RateLimiter(1, 3)

	var statuses []int
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c)
		if c.IsAborted() {
			statuses = append(statuses, w.Code)
		} else {
			statuses = append(statuses, http.StatusOK)
		}
	}

	for i, s := range statuses[:3] {
		if s != http.StatusOK {
			t.Errorf("request %d within burst: expected 200, got %d", i, s)
		}
	}
	if statuses[4] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", statuses[4])
	}
}

func TestRequireJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		wantAbort   bool
	}{
		{"json post", http.MethodPost, "application/json; charset=utf-8", false},
		{"empty post", http.MethodPost, "", false},
		{"form post", http.MethodPost, "application/x-www-form-urlencoded", true},
		{"form get", http.MethodGet, "text/plain", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tt.method, "/", nil)
			if tt.contentType != "" {
				c.Request.Header.Set("Content-Type", tt.contentType)
			}

			RequireJSONContentType()(c)

			if c.IsAborted() != tt.wantAbort {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tt.wantAbort)
			}
			if tt.wantAbort && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected 415, got %d", w.Code)
			}
		})
	}
}

func TestRequireAPIToken(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		header    string
		wantAbort bool
	}{
		{"disabled", "", "", false},
		{"valid", "s3cret", "Bearer s3cret", false},
		{"missing", "s3cret", "", true},
		{"wrong", "s3cret", "Bearer guess", true},
		{"basic scheme", "s3cret", "Basic s3cret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			RequireAPIToken(tt.token)(c)

			if c.IsAborted() != tt.wantAbort {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tt.wantAbort)
			}
			if tt.wantAbort {
				if w.Code != http.StatusUnauthorized {
					t.Errorf("expected 401, got %d", w.Code)
				}
				if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
					t.Error("expected WWW-Authenticate challenge")
				}
			}
		})
	}
}
