package authserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/fueled-forward-auth/internal/account"
)

// エンジンからの呼び出しを認証するヘッダー
const (
	HeaderTimestamp = "X-Engine-Timestamp"
	HeaderSignature = "X-Engine-Signature"
)

// EnginePrefix はエンジン向けエンドポイントのマウント先です。
const EnginePrefix = "/internal/engine"

const (
	signatureSkew     = 5 * time.Minute
	maxHookBodyBytes  = 64 << 10
	signaturePrefix   = "sha256="
	hookResetPassword = "/hooks/reset-password"
	hookVerification  = "/hooks/verification-email"
)

var (
	errMissingSignature = errors.New("missing signature")
	errStaleSignature   = errors.New("signature timestamp out of range")
	errBadSignature     = errors.New("signature mismatch")
)

// Sign はエンジンとの共有鍵で timestamp と body に署名します。
func Sign(key []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// HookKey はフック署名用の鍵を返します。
func (s *Server) HookKey() []byte {
	return s.hookKey
}

// EngineConfig はエンジンに配布する設定ドキュメントです。
type EngineConfig struct {
	EmailAndPassword  EmailAndPassword        `json:"emailAndPassword"`
	EmailVerification engineVerificationBlock `json:"emailVerification"`
	User              engineUserBlock         `json:"user"`
	Advanced          engineAdvancedBlock     `json:"advanced"`
	Hooks             map[string]string       `json:"hooks"`
}

type engineVerificationBlock struct {
	SendOnSignUp                bool  `json:"sendOnSignUp"`
	ExpiresIn                   int64 `json:"expiresIn"`
	AutoSignInAfterVerification bool  `json:"autoSignInAfterVerification"`
}

type engineUserBlock struct {
	AdditionalFields map[string]account.AdditionalField `json:"additionalFields"`
}

type engineAdvancedBlock struct {
	DisableOriginCheck bool     `json:"disableOriginCheck"`
	UseSecureCookies   bool     `json:"useSecureCookies"`
	TrustedOrigins     []string `json:"trustedOrigins"`
}

// EngineConfig は現在の Options からエンジン設定を組み立てます。
func (s *Server) EngineConfig() EngineConfig {
	return EngineConfig{
		EmailAndPassword: s.opts.EmailAndPassword,
		EmailVerification: engineVerificationBlock{
			SendOnSignUp:                s.opts.EmailVerification.SendOnSignUp,
			ExpiresIn:                   int64(s.opts.EmailVerification.ExpiresIn / time.Second),
			AutoSignInAfterVerification: s.opts.EmailVerification.AutoSignInAfterVerification,
		},
		User: engineUserBlock{AdditionalFields: s.opts.AdditionalFields},
		Advanced: engineAdvancedBlock{
			DisableOriginCheck: s.opts.DisableOriginCheck(),
			UseSecureCookies:   s.opts.UseSecureCookies(),
			TrustedOrigins:     s.opts.TrustedOrigins,
		},
		Hooks: map[string]string{
			"sendResetPassword":     EnginePrefix + hookResetPassword,
			"sendVerificationEmail": EnginePrefix + hookVerification,
		},
	}
}

// EngineHandler はエンジンから呼ばれるエンドポイントを返します（EnginePrefix を除いたパス）。
// 秘密鍵が未設定の場合、署名鍵は公開済みの開発用既定値になるため何も公開しません。
func (s *Server) EngineHandler() http.Handler {
	if s.opts.Secret == "" {
		return http.NotFoundHandler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST "+hookResetPassword, s.handleResetPasswordHook)
	mux.HandleFunc("POST "+hookVerification, s.handleVerificationHook)
	return mux
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.verifySignature(r, nil); err != nil {
		s.rejectSignature(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.EngineConfig())
}

func (s *Server) handleResetPasswordHook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var ev ResetPasswordEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.User.Email == "" || ev.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "INVALID_INPUT",
			"message": "user.email and url are required",
		})
		return
	}

	s.logger.Printf("password reset requested user=%s", ev.User.Email)
	if err := s.opts.Hooks.SendResetPassword(r.Context(), ev); err != nil {
		s.logger.Printf("failed to dispatch password reset email user=%s: %v", ev.User.Email, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    "DELIVERY_FAILED",
			"message": "failed to dispatch password reset email",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleVerificationHook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var ev VerificationEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.User.Email == "" || ev.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "INVALID_INPUT",
			"message": "user.email and url are required",
		})
		return
	}

	s.logger.Printf("email verification requested user=%s", ev.User.Email)
	if err := s.opts.Hooks.SendVerificationEmail(r.Context(), ev); err != nil {
		s.logger.Printf("failed to dispatch verification email user=%s: %v", ev.User.Email, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    "DELIVERY_FAILED",
			"message": "failed to dispatch verification email",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBodyBytes+1))
	if err != nil || len(body) > maxHookBodyBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "INVALID_INPUT",
			"message": "invalid hook body",
		})
		return nil, false
	}
	if err := s.verifySignature(r, body); err != nil {
		s.rejectSignature(w, r, err)
		return nil, false
	}
	return body, true
}

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	tsRaw := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if tsRaw == "" || !strings.HasPrefix(sig, signaturePrefix) {
		return errMissingSignature
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return errMissingSignature
	}
	delta := s.opts.now().Sub(time.Unix(ts, 0))
	if delta > signatureSkew || delta < -signatureSkew {
		return errStaleSignature
	}

	expected := Sign(s.hookKey, tsRaw, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errBadSignature
	}
	return nil
}

func (s *Server) rejectSignature(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Printf("rejected engine request path=%s: %v", r.URL.Path, err)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"code":    "INVALID_SIGNATURE",
		"message": err.Error(),
	})
}
