// Package mail はパスワードリセットとメール確認の通知メールを組み立てて送信します。
package mail

import (
	"context"
	"errors"
	"log"
)

// ErrInvalidMessage は宛先や件名が欠けたメッセージに返されます。
var ErrInvalidMessage = errors.New("invalid mail message")

// Message は送信する 1 通のメールです。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

func (m Message) validate() error {
	if m.To == "" || m.Subject == "" {
		return ErrInvalidMessage
	}
	if m.HTML == "" && m.Text == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Mailer はメール送信の抽象です。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer は開発用にメールを送らずログへ出力します。
type LogMailer struct {
	logger *log.Logger
}

// NewLogMailer は LogMailer を作成します。
func NewLogMailer(logger *log.Logger) *LogMailer {
	if logger == nil {
		logger = log.Default()
	}
	return &LogMailer{logger: logger}
}

// Send は宛先・件名・本文テキストをログに残します。
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	m.logger.Printf("=== MAIL (not sent) ===\nTo: %s\nSubject: %s\n%s\n=======================", msg.To, msg.Subject, msg.Text)
	return nil
}
