package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/handler"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/service"
)

type idleEngine struct{}

func (idleEngine) Start(context.Context, model.StartRequest) (uuid.UUID, error) {
	return uuid.Nil, service.ErrInvalidLifecycle
}
func (idleEngine) Resume(context.Context, uuid.UUID) error { return service.ErrInvalidLifecycle }
func (idleEngine) Submit(context.Context) error            { return service.ErrInvalidLifecycle }
func (idleEngine) Exit(context.Context) error              { return nil }
func (idleEngine) Select(string, int) error                { return nil }
func (idleEngine) Confirm(string) error                    { return nil }
func (idleEngine) SaveForLater(string) error               { return nil }
func (idleEngine) Visit(int) error                         { return nil }
func (idleEngine) Next() error                             { return nil }
func (idleEngine) Previous() error                         { return nil }
func (idleEngine) Snapshot() service.Snapshot {
	return service.Snapshot{Lifecycle: model.LifecycleIdle}
}
func (idleEngine) Changes() <-chan struct{} { return make(chan struct{}) }

type noAttempts struct{}

func (noAttempts) ListByIdentity(context.Context, string, int, int) ([]model.AttemptSummary, int, error) {
	return nil, 0, nil
}
func (noAttempts) List(context.Context, string) ([]uuid.UUID, error) { return nil, nil }

func newTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "s3cret"}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "42"}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	owner := identity.Identity{ID: "42", Token: tok}

	log := zerolog.Nop()
	engine := idleEngine{}
	h := &Handlers{
		Session: handler.NewSessionHandler(engine, log),
		Attempt: handler.NewAttemptHandler(noAttempts{}, noAttempts{}, owner.ID, log),
		WS:      handler.NewWSHandler(engine, log, nil),
	}
	return SetupRouter(owner, h, cfg), tok
}

func TestPublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}

func TestSessionRoutesRequireOwnerToken(t *testing.T) {
	r, tok := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
	if !strings.Contains(rec.Body.String(), `"lifecycle":"IDLE"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSubmitWhenIdleIsConflict(t *testing.T) {
	r, tok := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/submit", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "INVALID_LIFECYCLE") {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
