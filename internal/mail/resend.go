package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ResendEndpoint は Resend のメール送信 API です。
const ResendEndpoint = "https://api.resend.com/emails"

// DefaultFrom は MAIL_FROM 未設定時の差出人です。
const DefaultFrom = "Fueled Forward <onboarding@resend.dev>"

var errMissingAPIKey = errors.New("resend api key is empty")

// ResendMailer は Resend の HTTP API でメールを送信します。
type ResendMailer struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
}

// ResendOption は ResendMailer の設定を変更します。
type ResendOption func(*ResendMailer)

// WithEndpoint は送信先 URL を差し替えます（テスト用）。
func WithEndpoint(endpoint string) ResendOption {
	return func(m *ResendMailer) {
		m.endpoint = endpoint
	}
}

// WithHTTPClient は HTTP クライアントを差し替えます。
func WithHTTPClient(client *http.Client) ResendOption {
	return func(m *ResendMailer) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// NewResendMailer は ResendMailer を作成します。
func NewResendMailer(apiKey, from string, opts ...ResendOption) (*ResendMailer, error) {
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	if from == "" {
		from = DefaultFrom
	}
	m := &ResendMailer{
		apiKey:     apiKey,
		from:       from,
		endpoint:   ResendEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type resendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// Send はメッセージを Resend に送信します。
func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	body, err := json.Marshal(resendPayload{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal Resend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create Resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Resend request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("Resend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out resendResponse
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return fmt.Errorf("Resend returned an unexpected body: %s", string(respBody))
	}
	return nil
}
