package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/tweetdesk/internal/model"
)

// PostgresConfigRepo はapp_configテーブルを使用した設定リポジトリ。
// 値はJSONBとして保存する。
type PostgresConfigRepo struct {
	db *sql.DB
}

// NewPostgresConfigRepo はPostgresConfigRepoを生成する。
func NewPostgresConfigRepo(db *sql.DB) *PostgresConfigRepo {
	return &PostgresConfigRepo{db: db}
}

// GetStreamConfig はストリーム設定を取得する。見つからない場合はnilを返す。
func (r *PostgresConfigRepo) GetStreamConfig(ctx context.Context) (*model.StreamConfig, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM app_config WHERE name = $1`,
		model.StreamConfigName,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ストリーム設定の取得に失敗しました: %w", err)
	}

	cfg := &model.StreamConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("ストリーム設定の解析に失敗しました: %w", err)
	}
	return cfg, nil
}

// SaveStreamConfig はストリーム設定を保存する。
func (r *PostgresConfigRepo) SaveStreamConfig(ctx context.Context, cfg *model.StreamConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("ストリーム設定のエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO app_config (name, value, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		model.StreamConfigName, raw,
	)
	if err != nil {
		return fmt.Errorf("ストリーム設定の保存に失敗しました: %w", err)
	}
	return nil
}

// EnsureStreamConfig はストリーム設定が無い場合のみseedで作成し、現在の設定を返す。
func (r *PostgresConfigRepo) EnsureStreamConfig(ctx context.Context, seed *model.StreamConfig) (*model.StreamConfig, error) {
	raw, err := json.Marshal(seed)
	if err != nil {
		return nil, fmt.Errorf("ストリーム設定のエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO app_config (name, value, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (name) DO NOTHING`,
		model.StreamConfigName, raw,
	)
	if err != nil {
		return nil, fmt.Errorf("ストリーム設定の初期化に失敗しました: %w", err)
	}

	return r.GetStreamConfig(ctx)
}

// compile-time interface check
var _ ConfigRepository = (*PostgresConfigRepo)(nil)
