package authserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yourusername/fueled-forward-auth/internal/account"
	"github.com/yourusername/fueled-forward-auth/internal/config"
)

type engineRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Cookie string
	Header http.Header
}

func newEngine(t *testing.T, setCookies ...string) (*httptest.Server, *[]engineRequest) {
	t.Helper()
	var got []engineRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, engineRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(body),
			Cookie: r.Header.Get("Cookie"),
			Header: r.Header.Clone(),
		})
		for _, c := range setCookies {
			w.Header().Add("Set-Cookie", c)
		}
		w.Header().Set("X-Engine", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func testOptions(env config.Environment, engineURL string) *Options {
	cfg := &config.Config{
		Environment:    env,
		AuthSecret:     "test-secret",
		AuthEngineURL:  engineURL,
		TrustedOrigins: []string{"https://app.example.com"},
	}
	opts := DefaultOptions(cfg)
	opts.Hooks = Hooks{
		SendResetPassword:     func(context.Context, ResetPasswordEvent) error { return nil },
		SendVerificationEmail: func(context.Context, VerificationEvent) error { return nil },
	}
	return &opts
}

func newTestServer(t *testing.T, opts *Options) *Server {
	t.Helper()
	s, err := New(opts, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func TestNewValidatesOptions(t *testing.T) {
	opts := testOptions(config.Development, "http://engine.local")
	opts.Hooks.SendResetPassword = nil
	if _, err := New(opts, nil); err == nil {
		t.Fatal("expected error when hooks are missing")
	}

	opts = testOptions(config.Production, "http://engine.local")
	opts.Secret = ""
	if _, err := New(opts, nil); err == nil {
		t.Fatal("expected error when secret is missing in production")
	}

	opts = testOptions(config.Development, "not a url")
	if _, err := New(opts, nil); err == nil {
		t.Fatal("expected error for invalid engine url")
	}
}

func TestDefaultOptionsKnobs(t *testing.T) {
	opts := testOptions(config.Development, "http://engine.local")
	if !opts.EmailAndPassword.Enabled || !opts.EmailAndPassword.RequireEmailVerification {
		t.Fatalf("email/password must require verification: %#v", opts.EmailAndPassword)
	}
	if opts.EmailVerification.ExpiresIn != VerificationExpiresIn || opts.EmailVerification.AutoSignInAfterVerification {
		t.Fatalf("unexpected verification options: %#v", opts.EmailVerification)
	}
	if !opts.DisableOriginCheck() || opts.UseSecureCookies() {
		t.Fatal("development must relax origin check and cookie security")
	}

	prod := testOptions(config.Production, "http://engine.local")
	if prod.DisableOriginCheck() || !prod.UseSecureCookies() {
		t.Fatal("production must enforce origin check and secure cookies")
	}
}

func TestHandlerForwardsRequestVerbatim(t *testing.T) {
	engine, got := newEngine(t)
	s := newTestServer(t, testOptions(config.Development, engine.URL))

	req := httptest.NewRequest(http.MethodPatch, "/api/auth/update-user?x=1&y=two", strings.NewReader("name=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Custom", "kept")
	req.AddCookie(&http.Cookie{Name: "better-auth.session_token", Value: "abc"})
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("X-Engine") != "yes" || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("response not passed through: headers=%v body=%s", rec.Header(), rec.Body.String())
	}
	if len(*got) != 1 {
		t.Fatalf("expected one engine request, got %d", len(*got))
	}
	r := (*got)[0]
	if r.Method != http.MethodPatch || r.Path != "/api/auth/update-user" || r.Query != "x=1&y=two" {
		t.Fatalf("unexpected forwarded request: %#v", r)
	}
	if r.Body != "name=alice" || r.Header.Get("X-Custom") != "kept" {
		t.Fatalf("body or headers changed: %#v", r)
	}
	if !strings.Contains(r.Cookie, "better-auth.session_token=abc") {
		t.Fatalf("cookie not forwarded: %q", r.Cookie)
	}
	if r.Header.Get("X-Forwarded-Host") == "" {
		t.Fatal("expected X-Forwarded-Host")
	}
}

func TestHandlerStripsServerManagedFields(t *testing.T) {
	engine, got := newEngine(t)
	s := newTestServer(t, testOptions(config.Development, engine.URL))

	body := `{"email":"a@example.com","password":"p4ssword!","role":"admin","completedOnboarding":true,"onboardingStep":7}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-up/email", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	var forwarded map[string]any
	if err := json.Unmarshal([]byte((*got)[0].Body), &forwarded); err != nil {
		t.Fatalf("forwarded body is not json: %v", err)
	}
	for _, name := range []string{account.FieldRole, account.FieldCompletedOnboarding, account.FieldOnboardingStep} {
		if _, ok := forwarded[name]; ok {
			t.Fatalf("field %s must be stripped: %#v", name, forwarded)
		}
	}
	if forwarded["email"] != "a@example.com" || forwarded["password"] != "p4ssword!" {
		t.Fatalf("user input must be kept: %#v", forwarded)
	}
}

func TestHandlerKeepsNonObjectJSON(t *testing.T) {
	engine, got := newEngine(t)
	s := newTestServer(t, testOptions(config.Development, engine.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/anything", strings.NewReader(`["role"]`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if (*got)[0].Body != `["role"]` {
		t.Fatalf("unexpected body: %s", (*got)[0].Body)
	}
}

func TestProductionRejectsUntrustedOrigin(t *testing.T) {
	engine, got := newEngine(t)
	s := newTestServer(t, testOptions(config.Production, engine.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(*got) != 0 {
		t.Fatal("untrusted request must not reach the engine")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot || len(*got) != 1 {
		t.Fatalf("trusted origin must be forwarded, status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("safe methods are not origin-checked, status=%d", rec.Code)
	}
}

func TestProductionOriginFromRefererAndCookielessClients(t *testing.T) {
	engine, _ := newEngine(t)
	s := newTestServer(t, testOptions(config.Production, engine.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.Header.Set("Referer", "https://app.example.com/settings")
	req.AddCookie(&http.Cookie{Name: "better-auth.session_token", Value: "abc"})
	if !s.originAllowed(req) {
		t.Fatal("referer from trusted origin must be accepted")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: "better-auth.session_token", Value: "abc"})
	if s.originAllowed(req) {
		t.Fatal("browser request without origin must be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)
	if !s.originAllowed(req) {
		t.Fatal("cookieless client without origin must be accepted")
	}
}

func TestDevelopmentSkipsOriginCheck(t *testing.T) {
	engine, got := newEngine(t)
	s := newTestServer(t, testOptions(config.Development, engine.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", strings.NewReader(`{}`))
	req.Header.Set("Origin", "http://localhost:5173")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if len(*got) != 1 {
		t.Fatal("development must forward regardless of origin")
	}
}

func TestCookieSecurityPerEnvironment(t *testing.T) {
	engine, _ := newEngine(t,
		"better-auth.session_token=abc; Path=/; HttpOnly; Secure; SameSite=Lax",
		"__Secure-better-auth.state=xyz; Path=/; Secure",
	)

	dev := newTestServer(t, testOptions(config.Development, engine.URL))
	rec := httptest.NewRecorder()
	dev.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil))
	cookies := rec.Header().Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("unexpected cookies: %#v", cookies)
	}
	if strings.Contains(cookies[0], "Secure") {
		t.Fatalf("development cookie must not be Secure: %s", cookies[0])
	}
	if !strings.HasSuffix(cookies[1], "Secure") {
		t.Fatalf("__Secure- cookie must keep Secure: %s", cookies[1])
	}

	prod := newTestServer(t, testOptions(config.Production, engine.URL))
	rec = httptest.NewRecorder()
	prod.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil))
	for _, c := range rec.Header().Values("Set-Cookie") {
		if strings.Count(c, "; Secure") != 1 {
			t.Fatalf("production cookie must carry exactly one Secure: %s", c)
		}
	}
}

func TestSetSecureAttribute(t *testing.T) {
	got := setSecureAttribute("a=b; Path=/; SameSite=None", false)
	if got != "a=b; Path=/; SameSite=None; Secure" {
		t.Fatalf("SameSite=None requires Secure, got %s", got)
	}
	got = setSecureAttribute("a=b;Path=/;secure", false)
	if got != "a=b; Path=/" {
		t.Fatalf("unexpected cookie: %s", got)
	}
}

func TestEngineUnavailable(t *testing.T) {
	engine, _ := newEngine(t)
	url := engine.URL
	engine.Close()

	s := newTestServer(t, testOptions(config.Development, url))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_ENGINE_UNAVAILABLE") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestDeriveKeyIsPurposeBound(t *testing.T) {
	a := DeriveKey("secret", PurposeEngineHooks, 32)
	b := DeriveKey("secret", PurposeSessionCookie, 32)
	c := DeriveKey("secret", PurposeEngineHooks, 32)
	if len(a) != 32 || string(a) == string(b) {
		t.Fatal("keys for different purposes must differ")
	}
	if string(a) != string(c) {
		t.Fatal("key derivation must be deterministic")
	}
	if string(DeriveKey("", PurposeEngineHooks, 32)) == string(a) {
		t.Fatal("development fallback must not collide with configured secret")
	}
}
