// Package account は認証エンジンが管理するユーザーとセッションの型を定義します。
// このパッケージは値を保持するだけで、永続化は認証エンジン側の責務です。
package account

import "time"

// 追加フィールドのキー名（認証エンジンの JSON / カラム名と一致させる）
const (
	FieldCompletedOnboarding = "completedOnboarding"
	FieldOnboardingStep      = "onboardingStep"
	FieldRole                = "role"
)

// DefaultRole は role 未設定ユーザーの既定値です。
const DefaultRole = "user"

// FieldType は追加フィールドの型です。
type FieldType string

const (
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeNumber  FieldType = "number"
	FieldTypeString  FieldType = "string"
)

// AdditionalField はユーザーレコードに追加するフィールドの定義です。
type AdditionalField struct {
	Type         FieldType `json:"type"`
	Required     bool      `json:"required"`
	DefaultValue any       `json:"defaultValue"`
	Input        bool      `json:"input"`
	Returned     bool      `json:"returned"`
}

// AdditionalFields はユーザーに追加する3つのサーバー管理フィールドを返します。
// いずれもクライアント入力では設定できず、レスポンスには含まれます。
func AdditionalFields() map[string]AdditionalField {
	return map[string]AdditionalField{
		FieldCompletedOnboarding: {Type: FieldTypeBoolean, DefaultValue: false, Returned: true},
		FieldOnboardingStep:      {Type: FieldTypeNumber, DefaultValue: 0, Returned: true},
		FieldRole:                {Type: FieldTypeString, DefaultValue: DefaultRole, Returned: true},
	}
}

// ServerManagedFields は fields のうち入力から取り除くべきフィールド名を返します。
func ServerManagedFields(fields map[string]AdditionalField) []string {
	var names []string
	for name, f := range fields {
		if !f.Input {
			names = append(names, name)
		}
	}
	return names
}

// Profile は追加フィールドの値です。
type Profile struct {
	CompletedOnboarding bool   `json:"completedOnboarding"`
	OnboardingStep      int    `json:"onboardingStep"`
	Role                string `json:"role"`
}

// DefaultProfile は追加フィールドの既定値を返します。
func DefaultProfile() Profile {
	return Profile{Role: DefaultRole}
}

// User は認証エンジンのユーザーです。追加フィールドは未返却の場合 nil になります。
type User struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	EmailVerified       bool      `json:"emailVerified"`
	Image               string    `json:"image,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	CompletedOnboarding *bool     `json:"completedOnboarding,omitempty"`
	OnboardingStep      *int      `json:"onboardingStep,omitempty"`
	Role                *string   `json:"role,omitempty"`
}

// HasProfile は追加フィールドがすべて返却されているかを返します。
func (u *User) HasProfile() bool {
	return u.CompletedOnboarding != nil && u.OnboardingStep != nil && u.Role != nil
}

// Profile は追加フィールドを既定値で補完して返します。
func (u *User) Profile() Profile {
	p := DefaultProfile()
	if u.CompletedOnboarding != nil {
		p.CompletedOnboarding = *u.CompletedOnboarding
	}
	if u.OnboardingStep != nil {
		p.OnboardingStep = *u.OnboardingStep
	}
	if u.Role != nil && *u.Role != "" {
		p.Role = *u.Role
	}
	return p
}

// ApplyProfile は欠けている追加フィールドだけを p の値で埋めます。
func (u *User) ApplyProfile(p Profile) {
	if u.CompletedOnboarding == nil {
		v := p.CompletedOnboarding
		u.CompletedOnboarding = &v
	}
	if u.OnboardingStep == nil {
		v := p.OnboardingStep
		u.OnboardingStep = &v
	}
	if u.Role == nil {
		v := p.Role
		u.Role = &v
	}
}

// Session は認証エンジンのセッションです。
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// SessionData は get-session のレスポンスです。
type SessionData struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}
