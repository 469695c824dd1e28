// Package authserver は外部の認証エンジンを本サービスに結び付けるアダプターです。
// エンジンへのリクエスト転送、環境ごとの Cookie/オリジン設定、
// エンジンから呼ばれるメール送信フックの受け口を提供します。
package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/yourusername/fueled-forward-auth/internal/account"
	"github.com/yourusername/fueled-forward-auth/internal/config"
)

// VerificationExpiresIn は確認リンクの有効期間です。
const VerificationExpiresIn = 24 * time.Hour

// ProfileStore は追加フィールドの読み取りとヘルスチェックを提供するストレージです。
type ProfileStore interface {
	Profile(ctx context.Context, email string) (account.Profile, error)
	Ping(ctx context.Context) error
}

// HookUser はフックに渡されるユーザー情報です。
type HookUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ResetPasswordEvent はパスワード再設定要求時にエンジンから渡される値です。
type ResetPasswordEvent struct {
	URL   string   `json:"url"`
	User  HookUser `json:"user"`
	Token string   `json:"token"`
}

// VerificationEvent は確認メール送信時にエンジンから渡される値です。
type VerificationEvent struct {
	User  HookUser `json:"user"`
	URL   string   `json:"url"`
	Token string   `json:"token"`
}

// Hooks はエンジンから呼び出されるコールバックです。
type Hooks struct {
	SendResetPassword     func(ctx context.Context, ev ResetPasswordEvent) error
	SendVerificationEmail func(ctx context.Context, ev VerificationEvent) error
}

// EmailAndPassword はメール/パスワード認証の設定です。
type EmailAndPassword struct {
	Enabled                  bool `json:"enabled"`
	RequireEmailVerification bool `json:"requireEmailVerification"`
}

// EmailVerification は確認メールの設定です。
type EmailVerification struct {
	SendOnSignUp                bool          `json:"sendOnSignUp"`
	ExpiresIn                   time.Duration `json:"-"`
	AutoSignInAfterVerification bool          `json:"autoSignInAfterVerification"`
}

// Options は起動時に一度だけ組み立てる認証エンジンの設定です。
type Options struct {
	Secret         string
	Environment    config.Environment
	EngineURL      string
	TrustedOrigins []string
	Storage        ProfileStore

	EmailAndPassword  EmailAndPassword
	EmailVerification EmailVerification
	AdditionalFields  map[string]account.AdditionalField
	Hooks             Hooks

	// Now はテスト用の時刻関数です。nil なら time.Now を使います。
	Now func() time.Time
}

// DefaultOptions は本サービスの既定値を埋めた Options を返します。
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		Secret:         cfg.AuthSecret,
		Environment:    cfg.Environment,
		EngineURL:      cfg.AuthEngineURL,
		TrustedOrigins: cfg.TrustedOrigins,
		EmailAndPassword: EmailAndPassword{
			Enabled:                  true,
			RequireEmailVerification: true,
		},
		EmailVerification: EmailVerification{
			SendOnSignUp:                true,
			ExpiresIn:                   VerificationExpiresIn,
			AutoSignInAfterVerification: false,
		},
		AdditionalFields: account.AdditionalFields(),
	}
}

// DisableOriginCheck は開発環境でのみオリジン検証を無効化します。
func (o *Options) DisableOriginCheck() bool {
	return !o.Environment.IsProduction()
}

// UseSecureCookies は本番環境でのみ Secure Cookie を使います。
func (o *Options) UseSecureCookies() bool {
	return o.Environment.IsProduction()
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Options) validate() error {
	if _, err := config.ParseEnvironment(string(o.Environment)); err != nil {
		return err
	}
	if o.EngineURL == "" {
		return errors.New("engine url is required")
	}
	u, err := url.Parse(o.EngineURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("engine url is invalid: %q", o.EngineURL)
	}
	if o.Secret == "" {
		if o.Environment.IsProduction() {
			return errors.New("secret is required in production")
		}
	}
	if o.EmailVerification.ExpiresIn <= 0 {
		return errors.New("email verification expiry must be positive")
	}
	if o.Hooks.SendResetPassword == nil || o.Hooks.SendVerificationEmail == nil {
		return errors.New("both email hooks must be configured")
	}
	return nil
}
