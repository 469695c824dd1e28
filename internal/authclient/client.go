// Package authclient は認証エンジンの HTTP API を呼び出すクライアントを提供します。
// 1回の操作につき1回だけリクエストを送り、リトライは行いません。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/fueled-forward-auth/internal/account"
	"github.com/yourusername/fueled-forward-auth/internal/config"
)

// BasePath は認証エンジンの API プレフィックスです。
const BasePath = "/api/auth"

const defaultTimeout = 10 * time.Second

// ErrRequestFailed はリモート呼び出しが失敗したことを表します。
// 期限切れ・使用済み・到達不能などの区別は呼び出し側に公開しません。
var ErrRequestFailed = errors.New("auth request failed")

// StatusError は認証エンジンが 2xx 以外を返した場合のエラーです（ログ用）。
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRequestFailed
}

// Client は認証エンジンのクライアントです。
type Client struct {
	baseURL    string
	origin     string
	httpClient *http.Client
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は使用する http.Client を差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New はベースURLに紐づいたクライアントを作成します。
// baseURL が空の場合はローカル開発用の既定値を使います。
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultPublicAuthURL
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		c.origin = u.Scheme + "://" + u.Host
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL はクライアントが使用するベースURLを返します。
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestPasswordResetRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
	Token       string `json:"token"`
}

type sendVerificationEmailRequest struct {
	Email       string `json:"email"`
	CallbackURL string `json:"callbackURL"`
}

// RequestPasswordReset はパスワード再設定メールの送信を依頼します。
// redirectTo はメール内リンクのクリック後に遷移するパスです。
func (c *Client) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	return c.post(ctx, "/request-password-reset", requestPasswordResetRequest{
		Email:      email,
		RedirectTo: redirectTo,
	})
}

// ResetPassword はトークンを使ってパスワードを再設定します。
func (c *Client) ResetPassword(ctx context.Context, newPassword, token string) error {
	return c.post(ctx, "/reset-password", resetPasswordRequest{
		NewPassword: newPassword,
		Token:       token,
	})
}

// SendVerificationEmail は確認メールの再送を依頼します。
func (c *Client) SendVerificationEmail(ctx context.Context, email, callbackURL string) error {
	return c.post(ctx, "/send-verification-email", sendVerificationEmailRequest{
		Email:       email,
		CallbackURL: callbackURL,
	})
}

// GetSession は呼び出し元の Cookie を転送して現在のセッションを取得します。
// 未ログインの場合は nil, nil を返します。
func (c *Client) GetSession(ctx context.Context, cookies []*http.Cookie) (*account.SessionData, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/get-session", nil)
	if err != nil {
		return nil, err
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	body, err := c.do(req, "/get-session")
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var data account.SessionData
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrRequestFailed, err)
	}
	if data.User.ID == "" {
		return nil, nil
	}
	return &data, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrRequestFailed, endpoint, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, endpoint)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+BasePath+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", ErrRequestFailed, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestFailed, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRequestFailed, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
