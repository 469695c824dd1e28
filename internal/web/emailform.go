package web

import (
	"context"
	"strings"
)

// Flash はフォーム下に表示するメッセージです。
type Flash struct {
	Type string
	Text string
}

func errorFlash(text string) *Flash   { return &Flash{Type: "error", Text: text} }
func successFlash(text string) *Flash { return &Flash{Type: "success", Text: text} }

const msgEmailRequired = "Please enter your email address."

// 送信後の遷移先（認証エンジンに渡すパス）
const (
	PasswordResetRedirect    = "/reset-password"
	VerificationCallbackPath = "/verify-email"
)

// emailFormSpec はメールアドレス 1 項目だけのフォームの定義です。
type emailFormSpec struct {
	name        string
	path        string
	title       string
	description string
	button      string
	success     string
	failure     string
	submit      func(ctx context.Context, client AuthClient, email string) error
}

var (
	forgotPasswordForm = emailFormSpec{
		name:        "forgot_password",
		path:        "/forgot-password",
		title:       "Reset Your Password",
		description: "Enter your email address and we'll send you a link to reset your password.",
		button:      "Send Reset Link",
		success:     "Password reset link sent! Check your email.",
		failure:     "Error sending reset link. Please try again.",
		submit: func(ctx context.Context, client AuthClient, email string) error {
			return client.RequestPasswordReset(ctx, email, PasswordResetRedirect)
		},
	}
	resendVerificationForm = emailFormSpec{
		name:        "resend_verification",
		path:        "/resend-verification",
		title:       "Resend Verification Email",
		description: "Enter your email address to receive a new verification link.",
		button:      "Resend Verification Email",
		success:     "Verification email sent! Check your inbox.",
		failure:     "Error sending verification email. Please try again.",
		submit: func(ctx context.Context, client AuthClient, email string) error {
			return client.SendVerificationEmail(ctx, email, VerificationCallbackPath)
		},
	}
)

// EmailForm はメールアドレスフォームの表示状態です。
type EmailForm struct {
	Email   string
	Message *Flash
}

// submitEmail は入力を検証して 1 回だけリモート呼び出しを行い、次の表示状態を返します。
// called はリモート呼び出しを行ったかどうかです。
func submitEmail(ctx context.Context, spec emailFormSpec, client AuthClient, email string) (form EmailForm, called bool, err error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return EmailForm{Message: errorFlash(msgEmailRequired)}, false, nil
	}

	if err := spec.submit(ctx, client, email); err != nil {
		return EmailForm{Email: email, Message: errorFlash(spec.failure)}, true, err
	}
	return EmailForm{Message: successFlash(spec.success)}, true, nil
}
