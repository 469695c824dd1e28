package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fueled-forward-auth/internal/authserver"
	"github.com/yourusername/fueled-forward-auth/internal/config"
	"github.com/yourusername/fueled-forward-auth/internal/jobs"
	"github.com/yourusername/fueled-forward-auth/internal/metrics"
)

type fakeReady struct{ err error }

func (f fakeReady) Ready(context.Context) error { return f.err }

type fakeDispatcher struct {
	payloads []*jobs.TaskPayload
}

func (f *fakeDispatcher) Dispatch(_ context.Context, p *jobs.TaskPayload) (string, error) {
	f.payloads = append(f.payloads, p)
	return "id", nil
}

func TestHandleHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handleHealth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleReady(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/ready", handleReady(fakeReady{}, &mailPipeline{}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	router = gin.New()
	router.GET("/ready", handleReady(fakeReady{err: errors.New("down")}, nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestEmailHooksBuildPayloads(t *testing.T) {
	d := &fakeDispatcher{}
	hooks := emailHooks(d, 24*time.Hour)

	err := hooks.SendResetPassword(context.Background(), authserver.ResetPasswordEvent{
		URL:   "http://localhost:4321/api/auth/reset-password/tok",
		User:  authserver.HookUser{Email: "a@example.com"},
		Token: "tok",
	})
	if err != nil {
		t.Fatalf("SendResetPassword returned error: %v", err)
	}
	err = hooks.SendVerificationEmail(context.Background(), authserver.VerificationEvent{
		URL:  "http://localhost:4321/api/auth/verify-email?token=tok",
		User: authserver.HookUser{Email: "b@example.com"},
	})
	if err != nil {
		t.Fatalf("SendVerificationEmail returned error: %v", err)
	}

	if len(d.payloads) != 2 {
		t.Fatalf("expected two payloads, got %d", len(d.payloads))
	}
	if d.payloads[0].Kind != jobs.KindPasswordReset || d.payloads[0].Recipient != "a@example.com" {
		t.Fatalf("unexpected reset payload: %#v", d.payloads[0])
	}
	if d.payloads[1].Kind != jobs.KindEmailVerification || d.payloads[1].ExpiresInSeconds != 86400 {
		t.Fatalf("unexpected verification payload: %#v", d.payloads[1])
	}
}

func TestCORSConfig(t *testing.T) {
	dev := corsConfig(&config.Config{Environment: config.Development})
	if dev.AllowOriginFunc == nil || !dev.AllowOriginFunc("http://anything.test") || !dev.AllowCredentials {
		t.Fatal("development must allow any origin with credentials")
	}

	prod := corsConfig(&config.Config{
		Environment:    config.Production,
		TrustedOrigins: []string{"https://auth.example.com"},
	})
	if prod.AllowOriginFunc != nil || len(prod.AllowOrigins) != 1 || prod.AllowOrigins[0] != "https://auth.example.com" {
		t.Fatalf("unexpected production cors config: %#v", prod)
	}
}

// newAppRouter は外部の認証エンジンを httptest で置き換えた本番同等のルーターを作成します。
func newAppRouter(t *testing.T, secret string, proxies []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":true}`))
	}))
	t.Cleanup(engine.Close)

	cfg := &config.Config{
		Environment:    config.Development,
		AuthSecret:     secret,
		PublicAuthURL:  engine.URL,
		AuthEngineURL:  engine.URL,
		TrustedOrigins: []string{engine.URL},
		TrustedProxies: proxies,
	}
	opts := authserver.DefaultOptions(cfg)
	opts.Hooks = emailHooks(&fakeDispatcher{}, opts.EmailVerification.ExpiresIn)
	authServer, err := authserver.New(&opts, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("authserver.New returned error: %v", err)
	}
	router, err := setupRouter(cfg, authServer, nil, metrics.New())
	if err != nil {
		t.Fatalf("setupRouter returned error: %v", err)
	}
	return router
}

var (
	csrfPattern   = regexp.MustCompile(`name="csrf_token" value="([^"]*)"`)
	formIDPattern = regexp.MustCompile(`name="form_id" value="([^"]*)"`)
)

func TestFormThrottleIgnoresSpoofedForwardedFor(t *testing.T) {
	router := newAppRouter(t, "test-secret", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/forgot-password", nil))
	csrf := csrfPattern.FindStringSubmatch(rec.Body.String())
	formID := formIDPattern.FindStringSubmatch(rec.Body.String())
	if rec.Code != http.StatusOK || csrf == nil || formID == nil {
		t.Fatalf("unexpected form page: %d %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()

	throttled := false
	for i := 0; i < 10 && !throttled; i++ {
		form := url.Values{
			"email":      {"a@example.com"},
			"csrf_token": {csrf[1]},
			"form_id":    {formID[1]},
		}
		req := httptest.NewRequest(http.MethodPost, "/forgot-password", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		throttled = rec.Code == http.StatusTooManyRequests
	}
	if !throttled {
		t.Fatal("rotating X-Forwarded-For must not bypass the submission throttle")
	}
}

func TestSetupRouterRejectsInvalidTrustedProxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Environment:    config.Development,
		AuthEngineURL:  "http://engine.local",
		PublicAuthURL:  "http://localhost:4321",
		TrustedProxies: []string{"not-an-ip"},
	}
	opts := authserver.DefaultOptions(cfg)
	opts.Hooks = emailHooks(&fakeDispatcher{}, opts.EmailVerification.ExpiresIn)
	authServer, err := authserver.New(&opts, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("authserver.New returned error: %v", err)
	}
	if _, err := setupRouter(cfg, authServer, nil, metrics.New()); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}

func TestEngineEndpointsRequireSecret(t *testing.T) {
	router := newAppRouter(t, "", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authserver.EnginePrefix+"/config", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("engine endpoints must not be mounted without a secret, got %d", rec.Code)
	}

	router = newAppRouter(t, "test-secret", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authserver.EnginePrefix+"/config", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned config request must be rejected, got %d", rec.Code)
	}
}
