// Package jobs はメール送信の非同期キューと配送記録の管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/fueled-forward-auth/internal/mail"
	"github.com/yourusername/fueled-forward-auth/internal/metrics"
)

// ErrInvalidPayload はタスクのペイロードが不正な場合に返されます。再試行しても成功しません。
var ErrInvalidPayload = errors.New("invalid email task payload")

// Dispatcher はメール送信タスクの投入口です。
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *TaskPayload) (string, error)
}

// Worker はタスク 1 件分のメールを組み立てて送信します。
type Worker struct {
	mailer  mail.Mailer
	store   *Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewWorker は Worker を作成します。store と m は nil でも構いません。
func NewWorker(mailer mail.Mailer, store *Store, m *metrics.Metrics, logger *log.Logger) (*Worker, error) {
	if mailer == nil {
		return nil, errors.New("mailer is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		mailer:  mailer,
		store:   store,
		metrics: m,
		logger:  logger,
	}, nil
}

// Deliver はペイロードからメールを作成して送信し、配送記録を更新します。
// final が false の失敗は再試行待ちとして記録されます。
func (w *Worker) Deliver(ctx context.Context, payload *TaskPayload, final bool) error {
	if err := validatePayload(payload); err != nil {
		return err
	}

	if w.alreadySent(ctx, payload.DeliveryID) {
		w.logger.Printf("email already sent, skipping kind=%s delivery=%s", payload.Kind, payload.DeliveryID)
		return nil
	}

	msg, err := compose(payload)
	if err != nil {
		w.fail(ctx, payload, "COMPOSE_FAILED", err, true)
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if w.store != nil {
		if err := w.store.MarkSending(ctx, payload.DeliveryID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			w.logger.Printf("failed to mark delivery sending delivery=%s: %v", payload.DeliveryID, err)
		}
	}

	if err := w.mailer.Send(ctx, msg); err != nil {
		w.fail(ctx, payload, "SEND_FAILED", err, final)
		return err
	}

	if w.store != nil {
		if err := w.store.MarkSent(ctx, payload.DeliveryID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			w.logger.Printf("failed to mark delivery sent delivery=%s: %v", payload.DeliveryID, err)
		}
	}
	w.metrics.ObserveDelivery(string(payload.Kind), "sent")
	w.logger.Printf("email sent kind=%s delivery=%s to=%s", payload.Kind, payload.DeliveryID, payload.Recipient)
	return nil
}

// Dispatch はキューを使わずその場で送信します（QUEUE_REDIS_URL 未設定時）。
func (w *Worker) Dispatch(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload != nil && payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	if err := w.Deliver(ctx, payload, true); err != nil {
		return "", err
	}
	return payload.DeliveryID, nil
}

// alreadySent は再配信されたタスクが送信済みかどうかを配送記録から判定します。
// 記録の取得に失敗した場合は送信を優先します。
func (w *Worker) alreadySent(ctx context.Context, deliveryID string) bool {
	if w.store == nil {
		return false
	}
	record, err := w.store.Get(ctx, deliveryID)
	if err != nil {
		w.logger.Printf("failed to load delivery record delivery=%s: %v", deliveryID, err)
		return false
	}
	return record != nil && record.Status == StatusSent
}

func (w *Worker) fail(ctx context.Context, payload *TaskPayload, code string, cause error, final bool) {
	info := &ErrorInfo{Code: code, Message: cause.Error()}
	result := "retry"
	if final {
		result = "failed"
	}
	w.metrics.ObserveDelivery(string(payload.Kind), result)
	w.logger.Printf("email delivery %s kind=%s delivery=%s to=%s: %v", result, payload.Kind, payload.DeliveryID, payload.Recipient, cause)

	if w.store == nil {
		return
	}
	var err error
	if final {
		err = w.store.MarkFailed(ctx, payload.DeliveryID, info)
	} else {
		err = w.store.MarkRetrying(ctx, payload.DeliveryID, info)
	}
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		w.logger.Printf("failed to record delivery failure delivery=%s: %v", payload.DeliveryID, err)
	}
}

func validatePayload(payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if payload.DeliveryID == "" {
		return fmt.Errorf("%w: deliveryId is required", ErrInvalidPayload)
	}
	if !payload.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, payload.Kind)
	}
	if payload.Recipient == "" || payload.URL == "" {
		return fmt.Errorf("%w: recipient and url are required", ErrInvalidPayload)
	}
	return nil
}

func compose(payload *TaskPayload) (mail.Message, error) {
	switch payload.Kind {
	case KindPasswordReset:
		return mail.PasswordResetMessage(payload.Recipient, payload.URL)
	case KindEmailVerification:
		return mail.VerificationMessage(payload.Recipient, payload.URL, time.Duration(payload.ExpiresInSeconds)*time.Second)
	default:
		return mail.Message{}, fmt.Errorf("unknown kind %q", payload.Kind)
	}
}
