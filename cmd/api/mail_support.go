package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/fueled-forward-auth/internal/authserver"
	"github.com/yourusername/fueled-forward-auth/internal/config"
	"github.com/yourusername/fueled-forward-auth/internal/jobs"
	"github.com/yourusername/fueled-forward-auth/internal/mail"
	"github.com/yourusername/fueled-forward-auth/internal/metrics"
)

// mailPipeline はメール送信の投入口と、終了時の後片付けをまとめます。
type mailPipeline struct {
	dispatcher jobs.Dispatcher
	manager    *jobs.Manager
	store      *jobs.Store
}

func (p *mailPipeline) shutdown(ctx context.Context) {
	if p.manager != nil {
		if err := p.manager.Shutdown(ctx); err != nil {
			log.Printf("failed to shut down mail queue: %v", err)
		}
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}

// ready はキューを使う場合に Redis への疎通を確認します。
func (p *mailPipeline) ready(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	return p.store.Ping(ctx)
}

func newMailer(cfg *config.Config) (mail.Mailer, error) {
	if cfg.ResendAPIKey == "" {
		if cfg.Environment.IsProduction() {
			log.Printf("RESEND_API_KEY is not set; emails will only be logged")
		}
		return mail.NewLogMailer(log.Default()), nil
	}
	return mail.NewResendMailer(cfg.ResendAPIKey, cfg.MailFrom)
}

// setupMail は QUEUE_REDIS_URL があれば Asynq のキューを、無ければ同期送信を構成します。
func setupMail(cfg *config.Config, m *metrics.Metrics) (*mailPipeline, error) {
	mailer, err := newMailer(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.QueueRedisURL == "" {
		worker, err := jobs.NewWorker(mailer, nil, m, log.Default())
		if err != nil {
			return nil, err
		}
		log.Printf("QUEUE_REDIS_URL is empty; emails are sent synchronously")
		return &mailPipeline{dispatcher: worker}, nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.DeliveryRecordTTLMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 24 * 60
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	worker, err := jobs.NewWorker(mailer, store, m, log.Default())
	if err != nil {
		return nil, err
	}
	manager, err := jobs.NewManager(cfg.QueueRedisURL, store, worker, log.Default())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	manager.StartWorkers()
	return &mailPipeline{dispatcher: manager, manager: manager, store: store}, nil
}

// emailHooks はエンジンのフックをメール送信タスクに変換します。
func emailHooks(dispatcher jobs.Dispatcher, expiresIn time.Duration) authserver.Hooks {
	return authserver.Hooks{
		SendResetPassword: func(ctx context.Context, ev authserver.ResetPasswordEvent) error {
			_, err := dispatcher.Dispatch(ctx, &jobs.TaskPayload{
				Kind:      jobs.KindPasswordReset,
				Recipient: ev.User.Email,
				URL:       ev.URL,
			})
			return err
		},
		SendVerificationEmail: func(ctx context.Context, ev authserver.VerificationEvent) error {
			_, err := dispatcher.Dispatch(ctx, &jobs.TaskPayload{
				Kind:             jobs.KindEmailVerification,
				Recipient:        ev.User.Email,
				URL:              ev.URL,
				ExpiresInSeconds: int64(expiresIn / time.Second),
			})
			return err
		},
	}
}
