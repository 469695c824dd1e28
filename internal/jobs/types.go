package jobs

import "time"

// Kind は送信するメールの種類です。
type Kind string

const (
	KindPasswordReset     Kind = "password_reset"
	KindEmailVerification Kind = "email_verification"
)

// Valid は既知の種類かどうかを返します。
func (k Kind) Valid() bool {
	switch k {
	case KindPasswordReset, KindEmailVerification:
		return true
	default:
		return false
	}
}

// Status はメール配送の状態を表します。
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ErrorInfo は配送失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は配送の現在状態を表します。リンクやトークンは保存しません。
type Record struct {
	DeliveryID string     `json:"deliveryId"`
	Kind       Kind       `json:"kind"`
	Recipient  string     `json:"recipient"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      *ErrorInfo `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// TaskPayload はメール送信タスクのペイロードです。
type TaskPayload struct {
	DeliveryID string `json:"deliveryId"`
	Kind       Kind   `json:"kind"`
	Recipient  string `json:"recipient"`
	URL        string `json:"url"`
	// ExpiresInSeconds は確認メールに記載するリンクの有効期間です。
	ExpiresInSeconds int64 `json:"expiresInSeconds,omitempty"`
}
