package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	// FormSessionCookieName はフォーム用セッション Cookie の名前です。
	FormSessionCookieName = "ff_form"
	sessionKeyCSRF        = "csrf_token"

	csrfField   = "csrf_token"
	formIDField = "form_id"
)

var (
	submitWindow   = 15 * time.Minute
	lockDuration   = 10 * time.Minute
	maxSubmissions = 5
	sessionMaxAge  = 2 * time.Hour
	pruneThreshold = 1024
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Guard はフォーム送信の CSRF 検証、二重送信防止、IP 単位の送信回数制限を担います。
type Guard struct {
	lock     sync.Mutex
	attempts map[string]*attemptState
	inflight map[string]struct{}
	now      func() time.Time
}

// NewGuard は Guard を作成します。
func NewGuard() *Guard {
	return &Guard{
		attempts: make(map[string]*attemptState),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// NewSessionStore はフォーム用のセッションストアを作成します（署名鍵は必須）。
func NewSessionStore(key []byte, secure bool) sessions.Store {
	store := cookie.NewStore(key)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

// CSRFToken はセッションの CSRF トークンを返します。未発行なら作成して保存します。
func (g *Guard) CSRFToken(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return "", err
	}
	return token, nil
}

// validCSRF はフォームの隠しフィールドとセッションのトークンを比較します。
func (g *Guard) validCSRF(c *gin.Context) bool {
	if isSafeMethod(c.Request.Method) {
		return true
	}
	session := sessions.Default(c)
	expected, ok := session.Get(sessionKeyCSRF).(string)
	if !ok || expected == "" {
		return false
	}
	received := c.PostForm(csrfField)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// begin はフォームインスタンスの送信中フラグを立てます。既に送信中なら false を返します。
func (g *Guard) begin(formID string) (release func(), ok bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if _, busy := g.inflight[formID]; busy {
		return nil, false
	}
	g.inflight[formID] = struct{}{}
	return func() {
		g.lock.Lock()
		defer g.lock.Unlock()
		delete(g.inflight, formID)
	}, true
}

// checkLock はロック中なら残り時間を返します。
func (g *Guard) checkLock(ip string) time.Duration {
	g.lock.Lock()
	defer g.lock.Unlock()

	state, ok := g.attempts[ip]
	if !ok {
		return 0
	}
	now := g.now()
	if !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// recordAttempt は送信を 1 回記録し、残り回数を返します。上限に達するとロックします。
func (g *Guard) recordAttempt(ip string) int {
	g.lock.Lock()
	defer g.lock.Unlock()

	now := g.now()
	state, ok := g.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > submitWindow || (!state.lockedUntil.IsZero() && !now.Before(state.lockedUntil)) {
		state = &attemptState{firstAttempt: now}
		g.attempts[ip] = state
		if len(g.attempts) > pruneThreshold {
			g.pruneLocked(now)
		}
	}

	state.count++
	if state.count >= maxSubmissions {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxSubmissions
	}

	remaining := maxSubmissions - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// pruneLocked は期限切れの記録を削除します。g.lock を保持して呼びます。
func (g *Guard) pruneLocked(now time.Time) {
	for ip, state := range g.attempts {
		if now.Sub(state.firstAttempt) > submitWindow && !now.Before(state.lockedUntil) {
			delete(g.attempts, ip)
		}
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
