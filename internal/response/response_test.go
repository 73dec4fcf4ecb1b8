package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { Fail(c, http.StatusConflict, ErrSessionNotActive) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"reuses caller id", "abc-123", true},
		{"generates when missing", "", false},
		{"replaces oversized id", strings.Repeat("a", 200), false},
		{"replaces id with spaces", "a b", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("X-Request-ID", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			var body Response
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got := rec.Header().Get("X-Request-ID")
			if body.Metadata.RequestID != got {
				t.Errorf("metadata id %q != header %q", body.Metadata.RequestID, got)
			}
			if (got == tc.header) != tc.keep {
				t.Errorf("request id = %q, keep = %v", got, tc.keep)
			}
			if body.Error == nil || body.Error.Code != ErrSessionNotActive || body.Error.Message == "" {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(2, 10, 21)
	if p.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", p.TotalPages)
	}
	if NewPagination(1, 10, 0).TotalPages != 0 {
		t.Error("empty result should have zero pages")
	}
}
