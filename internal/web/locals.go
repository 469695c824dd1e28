package web

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/fueled-forward-auth/internal/account"
	"github.com/yourusername/fueled-forward-auth/internal/storage"
)

// ハンドラー間でログイン中のユーザーとセッションを共有するためのキー
const (
	ContextUserKey    = "auth.user"
	ContextSessionKey = "auth.session"
)

// engineSessionCookie は認証エンジンのセッション Cookie 名の末尾です。
// 本番では __Secure- 接頭辞が付きます。
const engineSessionCookie = "session_token"

// SessionLocals は認証エンジンのセッションを読み込み、gin のコンテキストに格納します。
// 未ログインやエンジン障害時は nil のまま次へ進みます。
func SessionLocals(client AuthClient, profiles ProfileLookup, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextUserKey, (*account.User)(nil))
		c.Set(ContextSessionKey, (*account.Session)(nil))

		cookies := engineCookies(c.Request)
		if len(cookies) == 0 {
			c.Next()
			return
		}

		data, err := client.GetSession(c.Request.Context(), cookies)
		if err != nil {
			logger.Printf("failed to load session: %v", err)
			c.Next()
			return
		}
		if data == nil {
			c.Next()
			return
		}

		if !data.User.HasProfile() {
			profile := account.DefaultProfile()
			if profiles != nil {
				p, err := profiles.Profile(c.Request.Context(), data.User.Email)
				switch {
				case err == nil:
					profile = p
				case errors.Is(err, storage.ErrUserNotFound):
				default:
					logger.Printf("failed to load profile user=%s: %v", data.User.Email, err)
				}
			}
			data.User.ApplyProfile(profile)
		}

		user := data.User
		session := data.Session
		c.Set(ContextUserKey, &user)
		c.Set(ContextSessionKey, &session)
		c.Next()
	}
}

// CurrentUser はログイン中のユーザーを返します。未ログインなら nil です。
func CurrentUser(c *gin.Context) *account.User {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*account.User)
	return user
}

// CurrentSession は現在のセッションを返します。未ログインなら nil です。
func CurrentSession(c *gin.Context) *account.Session {
	v, ok := c.Get(ContextSessionKey)
	if !ok {
		return nil
	}
	session, _ := v.(*account.Session)
	return session
}

// engineCookies はセッション Cookie がある場合にだけ、フォーム用以外の Cookie を返します。
func engineCookies(r *http.Request) []*http.Cookie {
	var (
		out      []*http.Cookie
		hasToken bool
	)
	for _, ck := range r.Cookies() {
		if ck.Name == FormSessionCookieName {
			continue
		}
		if strings.HasSuffix(ck.Name, engineSessionCookie) {
			hasToken = true
		}
		out = append(out, ck)
	}
	if !hasToken {
		return nil
	}
	return out
}
