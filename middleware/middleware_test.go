package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	midsec "PPChat/middleware/security"
)

func newEngine(m *MiddlewareManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Use())
	return r
}

func TestOrigin(t *testing.T) {
	m := NewManager()
	m.Add(Origin([]string{"https://chat.example.com/"}))
	r := newEngine(m)
	r.GET("/ws/status", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name    string
		origin  string
		upgrade bool
		want    int
	}{
		{"allowed", "https://chat.example.com", true, http.StatusNoContent},
		{"case insensitive", "HTTPS://CHAT.EXAMPLE.COM", true, http.StatusNoContent},
		{"foreign", "https://evil.example.com", true, http.StatusForbidden},
		{"no origin", "", true, http.StatusNoContent},
		{"plain request", "https://evil.example.com", false, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOrigin_EmptyListAllowsAll(t *testing.T) {
	m := NewManager()
	m.Add(Origin(nil))
	r := newEngine(m)
	r.GET("/ws/status", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ws/status", nil)
	req.Header.Set("Origin", "https://anything.example")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGET_WithAuth(t *testing.T) {
	r := newEngine(NewManager())
	echo := func(c *gin.Context) { c.String(http.StatusOK, midsec.Credential(c)) }
	GET(r, "/auth", echo, RouteOpt{Auth: midsec.DefaultOptions()})
	GET(r, "/open", echo, RouteOpt{})

	req := httptest.NewRequest(http.MethodGet, "/auth?token=abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != "abc" {
		t.Fatalf("credential = %q", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/open?token=abc", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != "" {
		t.Fatalf("open route saw credential %q", w.Body.String())
	}
}

func TestManager_AddAfterStart(t *testing.T) {
	m := NewManager()
	r := newEngine(m)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	m.Add(func(c *gin.Context) { c.AbortWithStatus(http.StatusTeapot) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}

	m.Clear()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
