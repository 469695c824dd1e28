// Package web はパスワード再設定とメール確認の画面を提供します。
// 画面はサーバー側で描画し、送信は認証クライアント経由で認証エンジンへ渡します。
package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/fueled-forward-auth/internal/account"
	"github.com/yourusername/fueled-forward-auth/internal/metrics"
)

const (
	msgSessionExpired = "Your session has expired. Please reload the page and try again."
	msgInProgress     = "A request is already in progress."
	msgTooMany        = "Too many requests. Please try again later."
)

// AuthClient は画面から呼び出す認証エンジンの操作です。
type AuthClient interface {
	RequestPasswordReset(ctx context.Context, email, redirectTo string) error
	ResetPassword(ctx context.Context, newPassword, token string) error
	SendVerificationEmail(ctx context.Context, email, callbackURL string) error
	GetSession(ctx context.Context, cookies []*http.Cookie) (*account.SessionData, error)
}

// ProfileLookup は追加フィールドの取得元です。
type ProfileLookup interface {
	Profile(ctx context.Context, email string) (account.Profile, error)
}

// Handler は画面のハンドラー群です。
type Handler struct {
	client   AuthClient
	profiles ProfileLookup
	guard    *Guard
	store    sessions.Store
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// Config は Handler の依存関係です。Profiles と Metrics は省略可能です。
type Config struct {
	Client       AuthClient
	Profiles     ProfileLookup
	SessionStore sessions.Store
	Metrics      *metrics.Metrics
	Logger       *log.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Client == nil {
		return nil, errors.New("auth client is nil")
	}
	if cfg.SessionStore == nil {
		return nil, errors.New("session store is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		client:   cfg.Client,
		profiles: cfg.Profiles,
		guard:    NewGuard(),
		store:    cfg.SessionStore,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Register は画面と静的ファイルのルートを登録し、テンプレートを設定します。
func (h *Handler) Register(router *gin.Engine) error {
	tmpl, err := parseTemplates()
	if err != nil {
		return err
	}
	router.SetHTMLTemplate(tmpl)

	router.GET("/assets/*filepath", serveAsset)

	pages := router.Group("")
	pages.Use(sessions.Sessions(FormSessionCookieName, h.store))
	pages.Use(SessionLocals(h.client, h.profiles, h.logger))
	{
		pages.GET("/", h.index)

		pages.GET(forgotPasswordForm.path, h.showEmailForm(forgotPasswordForm))
		pages.POST(forgotPasswordForm.path, h.submitEmailForm(forgotPasswordForm))

		pages.GET(resendVerificationForm.path, h.showEmailForm(resendVerificationForm))
		pages.POST(resendVerificationForm.path, h.submitEmailForm(resendVerificationForm))

		pages.GET("/reset-password", h.showResetPassword)
		pages.POST("/reset-password", h.submitResetPassword)

		pages.GET("/verify-email", h.verifyEmail)
	}
	return nil
}

type pageData struct {
	Title       string
	Heading     string
	Description string
	CSRFToken   string
	FormID      string
	Action      string
	Button      string
	Form        any
	Message     *Flash
	Outcome     Outcome
	Refresh     string
	User        *account.User
	Session     *account.Session
}

func (h *Handler) index(c *gin.Context) {
	data := h.newPage(c, "Fueled Forward")
	data.User = CurrentUser(c)
	data.Session = CurrentSession(c)
	c.HTML(http.StatusOK, "index.html", data)
}

func (h *Handler) showEmailForm(spec emailFormSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := h.formPage(c, spec.title)
		if !ok {
			return
		}
		h.fillEmailPage(&data, spec)
		data.Form = EmailForm{}
		c.HTML(http.StatusOK, "email_form.html", data)
	}
}

func (h *Handler) submitEmailForm(spec emailFormSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, release, ok := h.acceptSubmission(c, spec.name, spec.title, true, func(d *pageData) {
			h.fillEmailPage(d, spec)
			d.Form = EmailForm{Email: c.PostForm("email")}
		}, "email_form.html")
		if !ok {
			return
		}
		defer release()

		form, called, err := submitEmail(c.Request.Context(), spec, h.client, c.PostForm("email"))
		switch {
		case !called:
			h.metrics.ObserveForm(spec.name, "validation_error")
		case err != nil:
			h.logger.Printf("%s request failed: %v", spec.name, err)
			h.metrics.ObserveForm(spec.name, "remote_error")
		default:
			h.metrics.ObserveForm(spec.name, "success")
		}

		h.fillEmailPage(&data, spec)
		data.Form = form
		data.Message = form.Message
		status := http.StatusOK
		if !called {
			status = http.StatusUnprocessableEntity
		}
		c.HTML(status, "email_form.html", data)
	}
}

func (h *Handler) fillEmailPage(data *pageData, spec emailFormSpec) {
	data.Heading = spec.title
	data.Description = spec.description
	data.Action = spec.path
	data.Button = spec.button
}

func (h *Handler) showResetPassword(c *gin.Context) {
	data, ok := h.formPage(c, "Set New Password")
	if !ok {
		return
	}
	form := LoadResetForm(c.Request.URL.Query())
	h.fillResetPage(&data, form)
	c.HTML(http.StatusOK, "reset_password.html", data)
}

func (h *Handler) submitResetPassword(c *gin.Context) {
	form := &ResetForm{State: ResetReady, Token: c.PostForm("token")}
	data, release, ok := h.acceptSubmission(c, "reset_password", "Set New Password", false, func(d *pageData) {
		h.fillResetPage(d, form)
	}, "reset_password.html")
	if !ok {
		return
	}
	defer release()

	if !form.Begin(c.PostForm("password"), c.PostForm("confirmPassword")) {
		h.metrics.ObserveForm("reset_password", "validation_error")
		h.fillResetPage(&data, form)
		c.HTML(http.StatusUnprocessableEntity, "reset_password.html", data)
		return
	}

	err := h.client.ResetPassword(c.Request.Context(), c.PostForm("password"), form.Token)
	form.Complete(err)
	if err != nil {
		h.logger.Printf("reset_password request failed: %v", err)
		h.metrics.ObserveForm("reset_password", "remote_error")
	} else {
		h.metrics.ObserveForm("reset_password", "success")
	}
	h.fillResetPage(&data, form)
	c.HTML(http.StatusOK, "reset_password.html", data)
}

func (h *Handler) fillResetPage(data *pageData, form *ResetForm) {
	data.Heading = "Set New Password"
	data.Description = "Enter your new password below."
	data.Action = "/reset-password"
	data.Button = "Reset Password"
	data.Form = form
	data.Message = form.Message
	if target := form.RedirectAfterSuccess(); target != "" {
		data.Refresh = strconv.Itoa(ResetRedirectDelaySeconds) + ";url=" + target
	}
}

func (h *Handler) verifyEmail(c *gin.Context) {
	outcome := ClassifyVerification(c.Request.URL.Query())
	data := h.newPage(c, outcome.Title())
	data.Heading = outcome.Title()
	data.Description = outcome.Description()
	data.Outcome = outcome
	data.Message = &Flash{Type: "error", Text: outcome.Message()}
	if outcome.Kind == OutcomeSuccess {
		data.Message.Type = "success"
	}
	c.HTML(http.StatusOK, "verify_email.html", data)
}

// formPage は CSRF トークンと新しいフォーム ID を持つページデータを作成します。
func (h *Handler) formPage(c *gin.Context, title string) (pageData, bool) {
	token, err := h.guard.CSRFToken(c)
	if err != nil {
		h.logger.Printf("failed to issue csrf token: %v", err)
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return pageData{}, false
	}
	data := h.newPage(c, title)
	data.CSRFToken = token
	data.FormID = uuid.NewString()
	return data, true
}

// acceptSubmission は CSRF・送信回数制限・二重送信を検証します。
// 拒否した場合はフォームを再描画して ok=false を返します。
func (h *Handler) acceptSubmission(c *gin.Context, name, title string, throttle bool, fill func(*pageData), tmpl string) (pageData, func(), bool) {
	data := h.newPage(c, title)
	data.FormID = c.PostForm(formIDField)
	fill(&data)

	reject := func(status int, message string, result string) (pageData, func(), bool) {
		h.metrics.ObserveForm(name, result)
		if token, err := h.guard.CSRFToken(c); err == nil {
			data.CSRFToken = token
		}
		if data.FormID == "" {
			data.FormID = uuid.NewString()
		}
		data.Message = errorFlash(message)
		c.HTML(status, tmpl, data)
		return data, nil, false
	}

	if !h.guard.validCSRF(c) {
		return reject(http.StatusForbidden, msgSessionExpired, "csrf_rejected")
	}
	if strings.TrimSpace(data.FormID) == "" {
		return reject(http.StatusBadRequest, msgSessionExpired, "csrf_rejected")
	}

	if throttle {
		ip := c.ClientIP()
		if retryAfter := h.guard.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()+0.5), 10))
			return reject(http.StatusTooManyRequests, msgTooMany, "throttled")
		}
		h.guard.recordAttempt(ip)
	}

	release, ok := h.guard.begin(data.FormID)
	if !ok {
		return reject(http.StatusConflict, msgInProgress, "in_flight")
	}

	data.CSRFToken = c.PostForm(csrfField)
	return data, release, true
}

func (h *Handler) newPage(c *gin.Context, title string) pageData {
	return pageData{Title: title, User: CurrentUser(c)}
}
