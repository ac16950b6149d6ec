package service

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/model"
	"ia-chat-server/internal/repository"
	"ia-chat-server/pkg/util"
)

// DefaultTitleMaxLength 自动标题默认截取的字符数
const DefaultTitleMaxLength = 50

// ConversationService 对话服务
// 负责对话与消息的持久化、标题生成和上下文构建
type ConversationService struct {
	db             *gorm.DB
	convRepo       *repository.ConversationRepository
	msgRepo        *repository.MessageRepository
	models         ModelCatalog
	titleMaxLength int
}

// NewConversationService 创建 ConversationService 实例
// 参数:
//   - db: 用于开启事务
//   - convRepo: 对话数据访问层
//   - msgRepo: 消息数据访问层
//   - models: 可用模型目录，nil 表示不校验
//   - titleMaxLength: 自动标题长度，<= 0 时使用默认值
func NewConversationService(
	db *gorm.DB,
	convRepo *repository.ConversationRepository,
	msgRepo *repository.MessageRepository,
	models ModelCatalog,
	titleMaxLength int,
) *ConversationService {
	if titleMaxLength <= 0 {
		titleMaxLength = DefaultTitleMaxLength
	}
	return &ConversationService{
		db:             db,
		convRepo:       convRepo,
		msgRepo:        msgRepo,
		models:         models,
		titleMaxLength: titleMaxLength,
	}
}

// Create 创建新对话
// 参数:
//   - ctx: 上下文
//   - userID: 所属用户
//   - modelKey: 模型键，必须已配置
//   - enableHistory: 是否携带历史上下文
//
// 返回:
//   - *model.Conversation: 新对话
//   - error: ValidationError 或数据库错误
func (s *ConversationService) Create(ctx context.Context, userID int64, modelKey string, enableHistory bool) (*model.Conversation, error) {
	if modelKey == "" {
		return nil, NewValidationError("model", "model is required")
	}
	if s.models != nil && !s.models.Has(modelKey) {
		return nil, NewValidationError("model", "Unknown model: %s", modelKey)
	}

	conv := &model.Conversation{
		UserID:        userID,
		ModelUsed:     modelKey,
		EnableHistory: enableHistory,
	}
	if err := s.convRepo.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetOwned 获取属于指定用户的对话
// 返回:
//   - ErrConversationNotFound: 对话不存在
//   - ErrConversationForbidden: 对话属于其他用户
func (s *ConversationService) GetOwned(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.IsOwnedBy(userID) {
		return nil, ErrConversationForbidden
	}
	return conv, nil
}

// List 分页获取用户的对话
func (s *ConversationService) List(ctx context.Context, userID int64, page, pageSize int) ([]model.Conversation, int64, error) {
	return s.convRepo.ListByUserIDWithPagination(ctx, userID, page, pageSize)
}

// Delete 删除属于用户的对话
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.GetOwned(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.convRepo.Delete(ctx, conversationID)
}

// AppendUserMessage 持久化用户消息
// 在同一事务中：对话没有标题且此前没有用户消息时，用内容生成标题；刷新 updated_at
// 成功返回后消息已落库，conv 的 Title / UpdatedAt 同步更新
func (s *ConversationService) AppendUserMessage(ctx context.Context, conv *model.Conversation, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("content", "Message content cannot be empty")
	}

	msg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.MessageRoleUser,
		Content:        content,
	}

	var title *string
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convRepo := s.convRepo.WithTx(tx)
		msgRepo := s.msgRepo.WithTx(tx)

		current, err := convRepo.GetByID(ctx, conv.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrConversationNotFound
		}

		hasPrior, err := msgRepo.HasRole(ctx, conv.ID, model.MessageRoleUser)
		if err != nil {
			return err
		}

		if err := msgRepo.Create(ctx, msg); err != nil {
			return err
		}

		if current.Title == nil && !hasPrior {
			t := DeriveTitle(content, s.titleMaxLength)
			ok, err := convRepo.SetTitleIfEmpty(ctx, conv.ID, t, now)
			if err != nil {
				return err
			}
			if ok {
				title = &t
				return nil
			}
		}
		title = current.Title
		return convRepo.Touch(ctx, conv.ID, now)
	})
	if err != nil {
		return nil, err
	}

	conv.Title = title
	conv.UpdatedAt = now
	return msg, nil
}

// AppendAssistantMessage 持久化完整的助手回复
// 参数:
//   - tokensUsed: 产出的块数
//   - generationTime: 生成耗时（秒）
func (s *ConversationService) AppendAssistantMessage(ctx context.Context, conv *model.Conversation, content string, tokensUsed int, generationTime float64) (*model.Message, error) {
	if content == "" {
		return nil, NewValidationError("content", "assistant content cannot be empty")
	}

	msg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.MessageRoleAssistant,
		Content:        content,
		TokensUsed:     util.IntPtr(tokensUsed),
		GenerationTime: util.Float64Ptr(generationTime),
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convRepo := s.convRepo.WithTx(tx)

		// 生成期间对话可能已被删除
		current, err := convRepo.GetByID(ctx, conv.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrConversationNotFound
		}

		if err := s.msgRepo.WithTx(tx).Create(ctx, msg); err != nil {
			return err
		}
		return convRepo.Touch(ctx, conv.ID, now)
	})
	if err != nil {
		return nil, err
	}

	conv.UpdatedAt = now
	return msg, nil
}

// ContextMessages 构建发送给模型的历史上下文
// 关闭历史时返回空；否则返回最近 limit 条消息，旧的在前
// 不包含当前这条入站用户消息
func (s *ConversationService) ContextMessages(ctx context.Context, conv *model.Conversation, limit int) ([]llm.ChatMessage, error) {
	if !conv.EnableHistory || limit <= 0 {
		return []llm.ChatMessage{}, nil
	}

	messages, err := s.msgRepo.GetLatestByConversationID(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// History 返回对话的全部消息，按 (created_at, id) 排序
func (s *ConversationService) History(ctx context.Context, conv *model.Conversation) ([]model.Message, error) {
	return s.msgRepo.GetByConversationID(ctx, conv.ID)
}

// Messages 分页获取对话消息
func (s *ConversationService) Messages(ctx context.Context, conversationID int64, page, pageSize int) ([]model.Message, int64, error) {
	return s.msgRepo.GetByConversationIDWithPagination(ctx, conversationID, page, pageSize)
}

// MessageCount 对话的消息总数
func (s *ConversationService) MessageCount(ctx context.Context, conversationID int64) (int64, error) {
	return s.msgRepo.CountByConversationID(ctx, conversationID)
}

// DeriveTitle 由第一条用户消息生成标题
// 取前 maxLen 个字符，被截断时追加 "..."
func DeriveTitle(content string, maxLen int) string {
	return util.TruncateString(strings.TrimSpace(content), maxLen)
}
