// Package storage は認証エンジンと共有する PostgreSQL への薄いアクセス層を提供します。
// このサービスが定義するのはユーザーテーブルの追加フィールドだけです。
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourusername/fueled-forward-auth/internal/account"
)

//go:embed migrations/001_additional_user_fields.sql
var additionalFieldsSQL string

// ErrUserNotFound はメールアドレスに一致するユーザーがいない場合に返されます。
var ErrUserNotFound = errors.New("user not found")

// pgxIface は pgxpool.Pool のうち本パッケージが使うメソッドです（テストでは pgxmock を使う）。
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres は追加フィールドの読み取りとマイグレーションを担います。
type Postgres struct {
	pool  pgxIface
	table string
}

// NewPostgres は接続プールを作成し、疎通を確認します。
func NewPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresWithPool(pool, table), nil
}

// NewPostgresWithPool は既存のプールから Postgres を作成します。
func NewPostgresWithPool(pool pgxIface, table string) *Postgres {
	if table == "" {
		table = "user"
	}
	return &Postgres{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
}

// Migrate はユーザーテーブルに追加フィールドのカラムを作成します（冪等）。
func (p *Postgres) Migrate(ctx context.Context) error {
	sql := strings.ReplaceAll(additionalFieldsSQL, "{{table}}", p.table)
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to run additional field migration: %w", err)
	}
	return nil
}

// Profile はメールアドレスからユーザーの追加フィールドを取得します。
func (p *Postgres) Profile(ctx context.Context, email string) (account.Profile, error) {
	query := fmt.Sprintf(
		`SELECT "completedOnboarding", "onboardingStep", "role" FROM %s WHERE LOWER(email) = LOWER($1)`,
		p.table,
	)

	var profile account.Profile
	err := p.pool.QueryRow(ctx, query, email).Scan(
		&profile.CompletedOnboarding,
		&profile.OnboardingStep,
		&profile.Role,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.DefaultProfile(), ErrUserNotFound
	}
	if err != nil {
		return account.DefaultProfile(), fmt.Errorf("failed to load profile: %w", err)
	}
	if profile.Role == "" {
		profile.Role = account.DefaultRole
	}
	return profile, nil
}

// Ping はデータベースへの疎通を確認します。
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close は接続プールを閉じます。
func (p *Postgres) Close() {
	p.pool.Close()
}
