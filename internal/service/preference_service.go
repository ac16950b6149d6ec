package service

import (
	"context"

	"ia-chat-server/internal/model"
	"ia-chat-server/internal/repository"
)

// 偏好取值范围
const (
	MinTemperature = 0.0
	MaxTemperature = 1.0
	MinMaxTokens   = 50
)

// ModelCatalog 可用模型目录
type ModelCatalog interface {
	Has(key string) bool
}

// PreferenceDefaults 新用户的默认偏好
type PreferenceDefaults struct {
	Model              string
	EnableHistory      bool
	MaxContextMessages int
	Temperature        float64
	MaxTokens          int
}

// DefaultPreferences 返回内置默认值
func DefaultPreferences(defaultModel string) PreferenceDefaults {
	return PreferenceDefaults{
		Model:              defaultModel,
		EnableHistory:      true,
		MaxContextMessages: 10,
		Temperature:        0.7,
		MaxTokens:          512,
	}
}

// PreferenceService 用户偏好服务
type PreferenceService struct {
	repo     *repository.PreferenceRepository
	defaults PreferenceDefaults
	models   ModelCatalog
}

// NewPreferenceService 创建 PreferenceService 实例
// models 为 nil 时不校验模型键
func NewPreferenceService(repo *repository.PreferenceRepository, defaults PreferenceDefaults, models ModelCatalog) *PreferenceService {
	return &PreferenceService{repo: repo, defaults: defaults, models: models}
}

// GetOrCreate 获取用户偏好，不存在时按默认值创建
// 并发首次调用只会产生一行
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//
// 返回:
//   - *model.Preference: 用户偏好
//   - error: 数据库错误
func (s *PreferenceService) GetOrCreate(ctx context.Context, userID int64) (*model.Preference, error) {
	pref, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pref != nil {
		return pref, nil
	}

	if err := s.repo.CreateIfAbsent(ctx, &model.Preference{
		UserID:               userID,
		DefaultModel:         s.defaults.Model,
		DefaultEnableHistory: s.defaults.EnableHistory,
		MaxContextMessages:   s.defaults.MaxContextMessages,
		Temperature:          s.defaults.Temperature,
		MaxTokens:            s.defaults.MaxTokens,
	}); err != nil {
		return nil, err
	}

	// 重新读取，拿到并发胜出方写入的那一行
	pref, err = s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		return nil, ErrPreferenceMissing
	}
	return pref, nil
}

// UpdatePreferenceRequest 更新偏好请求，nil 字段保持不变
type UpdatePreferenceRequest struct {
	DefaultModel         *string  `json:"default_model"`
	DefaultEnableHistory *bool    `json:"default_enable_history"`
	MaxContextMessages   *int     `json:"max_context_messages"`
	Temperature          *float64 `json:"temperature"`
	MaxTokens            *int     `json:"max_tokens"`
}

// Update 更新用户偏好
// 超出范围的值直接拒绝，不做截断
func (s *PreferenceService) Update(ctx context.Context, userID int64, req *UpdatePreferenceRequest) (*model.Preference, error) {
	pref, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := *pref
	if req.DefaultModel != nil {
		next.DefaultModel = *req.DefaultModel
	}
	if req.DefaultEnableHistory != nil {
		next.DefaultEnableHistory = *req.DefaultEnableHistory
	}
	if req.MaxContextMessages != nil {
		next.MaxContextMessages = *req.MaxContextMessages
	}
	if req.Temperature != nil {
		next.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		next.MaxTokens = *req.MaxTokens
	}

	if err := s.Validate(&next); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Validate 校验偏好取值
func (s *PreferenceService) Validate(p *model.Preference) error {
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return NewValidationError("temperature", "temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature)
	}
	if p.MaxTokens < MinMaxTokens {
		return NewValidationError("max_tokens", "max_tokens must be at least %d", MinMaxTokens)
	}
	if p.MaxContextMessages < 0 {
		return NewValidationError("max_context_messages", "max_context_messages must not be negative")
	}
	if p.DefaultModel == "" {
		return NewValidationError("default_model", "default_model is required")
	}
	if s.models != nil && !s.models.Has(p.DefaultModel) {
		return NewValidationError("default_model", "Unknown model: %s", p.DefaultModel)
	}
	return nil
}
