package mail

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/*.txt.tmpl"))
)

const (
	subjectPasswordReset = "Reset your Fueled Forward password"
	subjectVerification  = "Verify your Fueled Forward email address"
)

type templateData struct {
	Email     string
	URL       string
	ExpiresIn string
}

// PasswordResetMessage はパスワード再設定メールを組み立てます。
func PasswordResetMessage(email, url string) (Message, error) {
	return render(email, subjectPasswordReset, "password_reset", templateData{
		Email: email,
		URL:   url,
	})
}

// VerificationMessage はメールアドレス確認メールを組み立てます。
func VerificationMessage(email, url string, expiresIn time.Duration) (Message, error) {
	return render(email, subjectVerification, "verification", templateData{
		Email:     email,
		URL:       url,
		ExpiresIn: humanizeDuration(expiresIn),
	})
}

func render(to, subject, name string, data templateData) (Message, error) {
	var htmlBuf, textBuf bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&htmlBuf, name+".html.tmpl", data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s html: %w", name, err)
	}
	if err := textTemplates.ExecuteTemplate(&textBuf, name+".txt.tmpl", data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s text: %w", name, err)
	}
	msg := Message{
		To:      to,
		Subject: subject,
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "24 hours"
		}
		return fmt.Sprintf("%d days", days)
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}
