package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-testengine/internal/identity"
)

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestRequireIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	owner := identity.Identity{ID: "alice"}

	r := gin.New()
	r.Use(RequireIdentity(owner, "secret"))
	r.GET("/", func(c *gin.Context) {
		ident, ok := GetIdentity(c)
		if !ok || ident.ID != "alice" {
			c.Status(http.StatusTeapot)
			return
		}
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"owner header", "Bearer " + token(t, "alice"), "", http.StatusNoContent},
		{"owner query", "", token(t, "alice"), http.StatusNoContent},
		{"other identity", "Bearer " + token(t, "mallory"), "", http.StatusForbidden},
		{"garbage", "Bearer not.a.jwt", "", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := "/"
			if tc.query != "" {
				path += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
