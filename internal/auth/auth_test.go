package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testRouter(secret string, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{Middleware(secret)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"party": Party(c), "role": Role(c)})
	})
	r.GET("/whoami", handlers...)
	return r
}

func TestMiddlewareAcceptsSignedToken(t *testing.T) {
	const secret = "test-secret"
	token, err := Sign(secret, "party_buyer", RoleBuyer, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	r := testRouter(secret)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "party_buyer") || !strings.Contains(body, RoleBuyer) {
		t.Errorf("body = %s", body)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	const secret = "test-secret"
	r := testRouter(secret)

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"garbage":      "Bearer not.a.token",
		"wrong secret": "Bearer " + mustSign(t, "other-secret", "party_buyer", RoleBuyer, time.Minute),
		"expired":      "Bearer " + mustSign(t, secret, "party_buyer", RoleBuyer, -time.Minute),
	}
	for name, header := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, w.Code)
		}
	}
}

func TestMiddlewareDevMode(t *testing.T) {
	r := testRouter("")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Party-Id", "party_dev")
	req.Header.Set("X-Role", RoleAdmin)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "party_dev") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	const secret = "test-secret"
	r := testRouter(secret, RequireRole(RoleAdmin))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mustSign(t, secret, "party_buyer", RoleBuyer, time.Minute))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("buyer on admin route: status = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mustSign(t, secret, "party_admin", RoleAdmin, time.Minute))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("admin on admin route: status = %d, want 200", w.Code)
	}
}

func mustSign(t *testing.T, secret, partyID, role string, ttl time.Duration) string {
	t.Helper()
	token, err := Sign(secret, partyID, role, ttl)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}
