package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/middleware"
)

func TestRateLimiter_Disabled(t *testing.T) {
	if mw := middleware.RateLimiter(config.RateLimitConfig{Enabled: false}); mw != nil {
		t.Error("RateLimiter() should be nil when disabled")
	}
}

func TestRateLimiter_Enabled(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 2: the third request should be rejected.
	e.Use(middleware.RateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2}))
	e.GET("/gateway/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := range 2 {
		req := httptest.NewRequest(http.MethodGet, "/gateway/status", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}

	got429 := false
	for range 10 {
		req := httptest.NewRequest(http.MethodGet, "/gateway/status", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}
