package web

import (
	"net/url"
	"unicode/utf8"
)

// MinPasswordLength はパスワードの最小文字数です。
const MinPasswordLength = 8

// ResetState はパスワード再設定フォームの状態です。
type ResetState string

const (
	ResetAwaitingToken ResetState = "awaiting-token"
	ResetReady         ResetState = "ready"
	ResetSubmitting    ResetState = "submitting"
	ResetSucceeded     ResetState = "success"
	ResetFailed        ResetState = "error"
)

const (
	msgResetLinkInvalid   = "Invalid or expired reset link. Please request a new one."
	msgResetTokenMissing  = "Invalid or missing reset token."
	msgResetTokenInvalid  = "Invalid reset token."
	msgPasswordsMismatch  = "Passwords do not match!"
	msgPasswordTooShort   = "Password must be at least 8 characters long."
	msgResetSucceeded     = "Password reset successful! Redirecting..."
	msgResetRemoteFailure = "Error resetting password. Link may be expired."
)

// ResetRedirectTarget は再設定成功後の遷移先です。
const ResetRedirectTarget = "/"

// ResetRedirectDelaySeconds は遷移までの待ち時間です。
const ResetRedirectDelaySeconds = 2

// ResetForm はパスワード再設定フォームの状態機械です。
type ResetForm struct {
	State   ResetState
	Token   string
	Message *Flash
	// locked はリンク自体が無効な場合に立ち、以後の送信を受け付けません。
	locked bool
}

// LoadResetForm はページ読み込み時のクエリからフォームを初期化します。
func LoadResetForm(query url.Values) *ResetForm {
	if isInvalidToken(query.Get("error")) {
		return &ResetForm{
			State:   ResetFailed,
			Message: errorFlash(msgResetLinkInvalid),
			locked:  true,
		}
	}

	token := query.Get("token")
	if token == "" {
		return &ResetForm{
			State:   ResetAwaitingToken,
			Message: errorFlash(msgResetTokenMissing),
		}
	}
	return &ResetForm{State: ResetReady, Token: token}
}

// Disabled は入力と送信ボタンを無効にすべきかを返します。
func (f *ResetForm) Disabled() bool {
	return f.locked || f.Token == "" || f.State == ResetSubmitting || f.State == ResetSucceeded
}

// Begin は送信内容を検証し、リモート呼び出しに進めるなら true を返します。
// 検証エラーではメッセージを設定して ready（トークン不在なら元の状態）に戻ります。
func (f *ResetForm) Begin(password, confirm string) bool {
	if f.locked {
		return false
	}
	if f.Token == "" {
		f.Message = errorFlash(msgResetTokenInvalid)
		return false
	}

	f.Message = nil
	if password != confirm {
		f.State = ResetReady
		f.Message = errorFlash(msgPasswordsMismatch)
		return false
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		f.State = ResetReady
		f.Message = errorFlash(msgPasswordTooShort)
		return false
	}

	f.State = ResetSubmitting
	return true
}

// Complete はリモート呼び出しの結果を反映します。
func (f *ResetForm) Complete(err error) {
	if err != nil {
		f.State = ResetFailed
		f.Message = errorFlash(msgResetRemoteFailure)
		return
	}
	f.State = ResetSucceeded
	f.Message = successFlash(msgResetSucceeded)
}

// RedirectAfterSuccess は成功時のみ遷移先を返します。
func (f *ResetForm) RedirectAfterSuccess() string {
	if f.State != ResetSucceeded {
		return ""
	}
	return ResetRedirectTarget
}
