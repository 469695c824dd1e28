package web

import (
	"net/url"
	"strings"
)

// ErrorCodeInvalidToken は認証エンジンがリダイレクト時に付与するトークン不正のコードです。
const ErrorCodeInvalidToken = "INVALID_TOKEN"

// OutcomeKind はリダイレクト結果の分類です。
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeUnknown
)

// FailureReason は失敗時の理由です。
type FailureReason string

const (
	ReasonInvalidToken FailureReason = "invalid_token"
	ReasonGeneric      FailureReason = "generic"
)

// Outcome はクエリパラメーターから推定したリクエスト結果です。
type Outcome struct {
	Kind   OutcomeKind
	Reason FailureReason
}

const (
	msgVerifySuccess      = "Email verified successfully! You can now sign in."
	msgVerifyInvalidToken = "Invalid or expired verification link. Please request a new one."
	msgVerifyGeneric      = "Verification failed. Please try again."
	msgVerifyUnknown      = "We could not confirm your verification status. If you cannot sign in, please request a new link."
)

// ClassifyVerification はメール確認リダイレクトのクエリから結果を分類します。
// error が無ければ成功、空の error は不明、INVALID_TOKEN（大文字小文字を問わない）はトークン不正、
// それ以外は一般的な失敗です。
func ClassifyVerification(query url.Values) Outcome {
	values, present := query["error"]
	if !present {
		return Outcome{Kind: OutcomeSuccess}
	}
	code := ""
	if len(values) > 0 {
		code = strings.TrimSpace(values[0])
	}
	switch {
	case code == "":
		return Outcome{Kind: OutcomeUnknown}
	case isInvalidToken(code):
		return Outcome{Kind: OutcomeFailure, Reason: ReasonInvalidToken}
	default:
		return Outcome{Kind: OutcomeFailure, Reason: ReasonGeneric}
	}
}

// Message は利用者に表示する文言を返します。
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		return msgVerifySuccess
	case OutcomeFailure:
		if o.Reason == ReasonInvalidToken {
			return msgVerifyInvalidToken
		}
		return msgVerifyGeneric
	default:
		return msgVerifyUnknown
	}
}

// Title は見出しを返します。
func (o Outcome) Title() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "Email Verified!"
	case OutcomeFailure:
		return "Verification Failed"
	default:
		return "Verification Status Unknown"
	}
}

// Description は見出し下の説明文を返します。
func (o Outcome) Description() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "Your email has been successfully verified."
	case OutcomeFailure:
		return "There was a problem verifying your email."
	default:
		return "We could not tell whether your email was verified."
	}
}

// OfferNewLink は「Request New Link」を表示すべきかを返します。
func (o Outcome) OfferNewLink() bool {
	return o.Kind != OutcomeSuccess
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure:" + string(o.Reason)
	default:
		return "unknown"
	}
}

// isInvalidToken は前後の空白を無視して INVALID_TOKEN かどうかを判定します。
func isInvalidToken(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), ErrorCodeInvalidToken)
}
