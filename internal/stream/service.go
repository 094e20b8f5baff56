package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/repository"
)

// Patch はストリーム設定の部分更新。nilのフィールドは変更しない。
type Patch struct {
	SearchTerm *string
	IsActive   *bool
}

// Service はストリーム設定の永続化とSupervisorの起動・停止を行う。
type Service struct {
	configs    repository.ConfigRepository
	supervisor *Supervisor
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(configs repository.ConfigRepository, supervisor *Supervisor, logger *slog.Logger) *Service {
	return &Service{
		configs:    configs,
		supervisor: supervisor,
		logger:     logger,
	}
}

// Status は永続化された設定と稼働状態を返す。
func (s *Service) Status(ctx context.Context) (*model.StreamStatus, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	snap := s.supervisor.Status()
	return &model.StreamStatus{
		SearchTerm:   cfg.SearchTerm,
		UserID:       cfg.UserID,
		IsActive:     snap.IsActive,
		State:        string(snap.State),
		Reconnecting: snap.Reconnecting,
		Backoff:      snap.Backoff,
	}, nil
}

// Update は設定を更新して保存し、稼働状態を反映する。
// is_activeを省略した場合は現在の稼働状態を維持する。
// 稼働させる場合、所有者が未設定なら呼び出しユーザーを所有者とする。
// 停止させる場合は所有者を解除する。
func (s *Service) Update(ctx context.Context, actorID string, patch Patch) (*model.StreamStatus, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if patch.SearchTerm != nil {
		term := strings.TrimSpace(*patch.SearchTerm)
		if term == "" {
			return nil, model.NewInvalidPatchError("search_term を空にすることはできません")
		}
		cfg.SearchTerm = term
	}

	active := s.supervisor.Status().State != StateStopped
	if patch.IsActive != nil {
		active = *patch.IsActive
	}

	if active {
		owner := cfg.OwnerID()
		if owner == "" {
			owner = actorID
		}
		if owner != "" {
			cfg.UserID = &owner
		}
	} else {
		cfg.UserID = nil
	}

	// 所有者を検証してから保存する。拒否された更新は設定を変更しない。
	if active {
		if _, _, err := s.supervisor.Validate(ctx, *cfg); err != nil {
			return nil, err
		}
	}

	if err := s.configs.SaveStreamConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ストリーム設定の保存に失敗しました: %w", err)
	}

	if active {
		if err := s.supervisor.Start(ctx, *cfg); err != nil {
			return nil, err
		}
	} else {
		s.supervisor.Stop(true)
	}

	s.logger.Info("ストリーム設定を更新しました",
		slog.String("user_id", actorID),
		slog.String("search_term", cfg.SearchTerm),
		slog.Bool("is_active", active),
	)
	return s.Status(ctx)
}

// Stop はストリームを停止する。永続化された設定は変更しない。
func (s *Service) Stop() {
	s.supervisor.Stop(true)
}

// Seed はストリーム設定が無い場合のみ、所有者なしの設定を作成する。
func (s *Service) Seed(ctx context.Context, searchTerm string) (*model.StreamConfig, error) {
	cfg, err := s.configs.EnsureStreamConfig(ctx, &model.StreamConfig{SearchTerm: searchTerm})
	if err != nil {
		return nil, fmt.Errorf("ストリーム設定の初期化に失敗しました: %w", err)
	}
	return cfg, nil
}

// Resume は所有者が設定されている場合にストリームを開始する。
// 所有者が未設定の場合は何もしない。
func (s *Service) Resume(ctx context.Context) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.OwnerID() == "" {
		s.logger.Info("ストリーム所有者が未設定のためストリームを開始しません")
		return nil
	}
	return s.supervisor.Start(ctx, *cfg)
}

func (s *Service) loadConfig(ctx context.Context) (*model.StreamConfig, error) {
	cfg, err := s.configs.GetStreamConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("ストリーム設定の取得に失敗しました: %w", err)
	}
	if cfg == nil {
		cfg = &model.StreamConfig{}
	}
	return cfg, nil
}
