package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/yourusername/fueled-forward-auth/internal/account"
)

const maxJSONBodyBytes = 1 << 20

// Server は認証エンジンへの単一のリクエストハンドラーを提供します。
type Server struct {
	opts    *Options
	target  *url.URL
	proxy   *httputil.ReverseProxy
	hookKey []byte
	trusted map[string]struct{}
	managed []string
	logger  *log.Logger
}

// New は Options を検証して Server を作成します。
func New(opts *Options, logger *log.Logger) (*Server, error) {
	if opts == nil {
		return nil, errors.New("options is nil")
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid auth options: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	target, err := url.Parse(opts.EngineURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse engine url: %w", err)
	}

	s := &Server{
		opts:    opts,
		target:  target,
		hookKey: DeriveKey(opts.Secret, PurposeEngineHooks, 32),
		trusted: make(map[string]struct{}, len(opts.TrustedOrigins)),
		logger:  logger,
	}
	for _, o := range opts.TrustedOrigins {
		s.trusted[strings.TrimRight(o, "/")] = struct{}{}
	}
	s.managed = account.ServerManagedFields(opts.AdditionalFields)

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		originalDirector(req)
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", host)
		}
		if req.Header.Get("X-Forwarded-Proto") == "" {
			req.Header.Set("X-Forwarded-Proto", proto)
		}
	}
	proxy.ModifyResponse = s.rewriteCookies
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Printf("auth engine request failed method=%s path=%s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"code":    "AUTH_ENGINE_UNAVAILABLE",
			"message": "The authentication service is unavailable.",
		})
	}
	s.proxy = proxy

	return s, nil
}

// Handler は認証エンジンへの転送ハンドラーを返します。
// メソッド・パス・クエリ・ヘッダー・Cookie・ボディをそのまま転送します。
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.DisableOriginCheck() && !isSafeMethod(r.Method) && !s.originAllowed(r) {
			s.logger.Printf("rejected request with untrusted origin=%q path=%s", r.Header.Get("Origin"), r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"code":    "INVALID_ORIGIN",
				"message": "Invalid origin",
			})
			return
		}

		if err := s.stripServerManagedFields(r); err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"code":    "BODY_TOO_LARGE",
				"message": err.Error(),
			})
			return
		}

		s.proxy.ServeHTTP(w, r)
	})
}

// Ready はストレージへの疎通を確認します。
func (s *Server) Ready(ctx context.Context) error {
	if s.opts.Storage == nil {
		return nil
	}
	return s.opts.Storage.Ping(ctx)
}

// Profile は追加フィールドをストレージから取得します。ストレージ未設定なら既定値を返します。
func (s *Server) Profile(ctx context.Context, email string) (account.Profile, error) {
	if s.opts.Storage == nil {
		return account.DefaultProfile(), nil
	}
	return s.opts.Storage.Profile(ctx, email)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		if ref := r.Header.Get("Referer"); ref != "" {
			if u, err := url.Parse(ref); err == nil && u.Host != "" {
				origin = u.Scheme + "://" + u.Host
			}
		}
	}
	if origin == "" || origin == "null" {
		// Cookie を持たない非ブラウザクライアントは許可する
		return len(r.Cookies()) == 0
	}
	_, ok := s.trusted[strings.TrimRight(origin, "/")]
	return ok
}

// stripServerManagedFields は JSON ボディからサーバー管理フィールドを取り除きます。
func (s *Server) stripServerManagedFields(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody || len(s.managed) == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(raw) > maxJSONBodyBytes {
		return errors.New("request body too large")
	}

	body := raw
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil && fields != nil {
		removed := false
		for _, name := range s.managed {
			if _, ok := fields[name]; ok {
				delete(fields, name)
				removed = true
			}
		}
		if removed {
			if encoded, err := json.Marshal(fields); err == nil {
				body = encoded
			}
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// rewriteCookies は環境に応じてエンジンの Set-Cookie の Secure 属性を揃えます。
func (s *Server) rewriteCookies(resp *http.Response) error {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return nil
	}
	resp.Header.Del("Set-Cookie")
	secure := s.opts.UseSecureCookies()
	for _, v := range values {
		resp.Header.Add("Set-Cookie", setSecureAttribute(v, secure))
	}
	return nil
}

func setSecureAttribute(cookie string, secure bool) string {
	parts := strings.Split(cookie, ";")
	name, _, _ := strings.Cut(strings.TrimSpace(parts[0]), "=")

	out := []string{strings.TrimSpace(parts[0])}
	sameSiteNone := false
	for _, p := range parts[1:] {
		attr := strings.TrimSpace(p)
		if attr == "" || strings.EqualFold(attr, "secure") {
			continue
		}
		if strings.EqualFold(attr, "samesite=none") {
			sameSiteNone = true
		}
		out = append(out, attr)
	}

	// __Secure- / __Host- と SameSite=None はブラウザが Secure を要求する
	if secure || sameSiteNone || strings.HasPrefix(name, "__Secure-") || strings.HasPrefix(name, "__Host-") {
		out = append(out, "Secure")
	}
	return strings.Join(out, "; ")
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to write json response: %v", err)
	}
}
