package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	taskTypeEmail = "email:send"
	queueMail     = "mail"
	maxRetry      = 3
)

// Manager はメール送信タスクの投入とワーカーの実行を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	worker *Worker
	logger *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, worker *Worker, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if worker == nil {
		return nil, errors.New("worker is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueMail: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		worker: worker,
		logger: logger,
	}
	mux.HandleFunc(taskTypeEmail, manager.handleEmailTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Dispatch は配送記録を作成し、メール送信タスクをキューに投入します。
func (m *Manager) Dispatch(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	if err := validatePayload(payload); err != nil {
		return "", err
	}

	if err := m.store.Upsert(ctx, &Record{
		DeliveryID: payload.DeliveryID,
		Kind:       payload.Kind,
		Recipient:  payload.Recipient,
		Status:     StatusQueued,
	}); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeEmail, body, asynq.Queue(queueMail))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry), asynq.TaskID(payload.DeliveryID)); err != nil {
		if markErr := m.store.MarkFailed(ctx, payload.DeliveryID, &ErrorInfo{
			Code:    "ENQUEUE_FAILED",
			Message: err.Error(),
		}); markErr != nil {
			m.logger.Printf("failed to record enqueue failure delivery=%s: %v", payload.DeliveryID, markErr)
		}
		return "", fmt.Errorf("failed to enqueue email task: %w", err)
	}
	return payload.DeliveryID, nil
}

func (m *Manager) handleEmailTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrInvalidPayload, err, asynq.SkipRetry)
	}

	err := m.worker.Deliver(ctx, &payload, isFinalAttempt(ctx))
	if errors.Is(err, ErrInvalidPayload) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// isFinalAttempt は現在の実行が最後の試行かどうかを返します。情報がない場合は最後とみなします。
func isFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= limit
}
