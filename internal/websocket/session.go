// Package websocket 提供对话会话的 WebSocket 通信功能
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/qmuntal/stateless"

	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/model"
	"ia-chat-server/internal/service"
)

// 会话状态
type sessionState string

const (
	StateConnecting sessionState = "Connecting"
	StateBound      sessionState = "Bound"  // 已认证，尚未绑定对话
	StateActive     sessionState = "Active" // 已绑定对话
	StateClosed     sessionState = "Closed"
)

// 状态触发器
type sessionTrigger string

const (
	triggerAuthenticate    sessionTrigger = "Authenticate"
	triggerBind            sessionTrigger = "BindConversation"
	triggerNewConversation sessionTrigger = "NewConversation"
	triggerUnbind          sessionTrigger = "UnbindConversation"
	triggerDisconnect      sessionTrigger = "Disconnect"
)

// Emitter 向客户端发送事件
type Emitter interface {
	Emit(ctx context.Context, event interface{}) error
}

// ConversationStore 会话依赖的对话持久化能力
type ConversationStore interface {
	Create(ctx context.Context, userID int64, modelKey string, enableHistory bool) (*model.Conversation, error)
	GetOwned(ctx context.Context, userID, conversationID int64) (*model.Conversation, error)
	AppendUserMessage(ctx context.Context, conv *model.Conversation, content string) (*model.Message, error)
	AppendAssistantMessage(ctx context.Context, conv *model.Conversation, content string, tokensUsed int, generationTime float64) (*model.Message, error)
	ContextMessages(ctx context.Context, conv *model.Conversation, limit int) ([]llm.ChatMessage, error)
	History(ctx context.Context, conv *model.Conversation) ([]model.Message, error)
}

// PreferenceStore 用户偏好
type PreferenceStore interface {
	GetOrCreate(ctx context.Context, userID int64) (*model.Preference, error)
}

// Generator 生成流水线
type Generator interface {
	Generate(ctx context.Context, req service.GenerationRequest, onChunk func(string) error) (*service.GenerationResult, error)
}

// SessionDeps 会话依赖
type SessionDeps struct {
	Conversations ConversationStore
	Preferences   PreferenceStore
	Generator     Generator
}

// CloseError 建立会话失败，需要以指定关闭码断开
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Session 一个连接上的对话会话
// 命令按到达顺序逐个处理，同一连接上不会并发生成
type Session struct {
	id      string
	userID  int64
	emitter Emitter
	deps    SessionDeps
	logger  *slog.Logger
	fsm     *stateless.StateMachine

	conversation *model.Conversation
}

// NewSession 创建会话，初始状态为 Connecting
func NewSession(id string, userID int64, emitter Emitter, deps SessionDeps, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:      id,
		userID:  userID,
		emitter: emitter,
		deps:    deps,
		logger:  logger.With("session_id", id, "user_id", userID),
	}
	s.fsm = s.newStateMachine()
	return s
}

func (s *Session) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateConnecting)

	fsm.Configure(StateConnecting).
		Permit(triggerAuthenticate, StateBound).
		Permit(triggerDisconnect, StateClosed)

	fsm.Configure(StateBound).
		Permit(triggerBind, StateActive).
		Permit(triggerNewConversation, StateActive).
		Permit(triggerDisconnect, StateClosed)

	// 新建对话在 Active 状态下重新进入 Active
	fsm.Configure(StateActive).
		PermitReentry(triggerNewConversation).
		Permit(triggerUnbind, StateBound).
		Permit(triggerDisconnect, StateClosed)

	fsm.Configure(StateClosed).
		Ignore(triggerDisconnect)

	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		s.logger.Debug("session transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	return fsm
}

// ID 会话ID
func (s *Session) ID() string {
	return s.id
}

// State 当前状态
func (s *Session) State() sessionState {
	return s.fsm.MustState().(sessionState)
}

// Conversation 当前绑定的对话，可能为 nil
func (s *Session) Conversation() *model.Conversation {
	return s.conversation
}

// Open 认证并可选绑定对话，成功后发送 connection_established
// 参数:
//   - ctx: 上下文
//   - conversationID: 连接时指定的对话，nil 表示不绑定
//
// 返回:
//   - error: *CloseError 表示需要以关闭码断开
func (s *Session) Open(ctx context.Context, conversationID *int64) error {
	if s.userID == 0 {
		return &CloseError{Code: CloseUnauthenticated, Reason: reasonUnauthenticated}
	}
	if err := s.fsm.FireCtx(ctx, triggerAuthenticate); err != nil {
		return err
	}

	if conversationID != nil {
		conv, err := s.deps.Conversations.GetOwned(ctx, s.userID, *conversationID)
		switch {
		case errors.Is(err, service.ErrConversationNotFound):
			return &CloseError{Code: CloseConversationNotFound, Reason: reasonConversationNotFound, Err: err}
		case errors.Is(err, service.ErrConversationForbidden):
			s.logger.Warn("conversation access denied", "conversation_id", *conversationID)
			return &CloseError{Code: CloseConversationForbidden, Reason: reasonConversationForbidden, Err: err}
		case err != nil:
			return err
		}
		if err := s.fsm.FireCtx(ctx, triggerBind); err != nil {
			return err
		}
		s.conversation = conv
	}

	s.logger.Info("session opened", "conversation_id", conversationID)
	return s.emitter.Emit(ctx, NewConnectionEstablished(conversationID))
}

// Run 按顺序分发入站帧，直到 inbox 关闭或 ctx 取消
// ctx 取消会中止正在进行的生成
func (s *Session) Run(ctx context.Context, inbox <-chan []byte) {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-inbox:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.Dispatch(ctx, frame)
		}
	}
}

// Close 进入 Closed 状态
func (s *Session) Close() {
	if err := s.fsm.Fire(triggerDisconnect); err != nil {
		s.logger.Warn("session close transition failed", "error", err)
		return
	}
	s.logger.Info("session closed")
}

// Dispatch 处理一帧，任何错误都转换成 error 事件
func (s *Session) Dispatch(ctx context.Context, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling command", "panic", r, "stack", string(debug.Stack()))
			s.emitError(ctx, textServerError)
		}
	}()

	cmd := DecodeCommand(frame)

	var err error
	switch cmd.Kind {
	case CommandChat:
		err = s.handleChat(ctx, cmd.Content)
	case CommandNewConversation:
		err = s.handleNewConversation(ctx, cmd)
	case CommandLoadHistory:
		err = s.handleLoadHistory(ctx)
	default:
		s.emitError(ctx, cmd.Reason)
		return
	}

	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			s.unbindConversation(ctx)
		}
		s.reportError(ctx, err)
	}
}

// unbindConversation 绑定的对话已被删除，回到 Bound，下一条消息会新建对话
func (s *Session) unbindConversation(ctx context.Context) {
	if s.conversation == nil {
		return
	}
	s.logger.Warn("bound conversation no longer exists", "conversation_id", s.conversation.ID)
	s.conversation = nil
	if err := s.fsm.FireCtx(ctx, triggerUnbind); err != nil {
		s.logger.Warn("session unbind transition failed", "error", err)
	}
}

// handleChat 处理用户消息：落库、生成、落库助手回复
func (s *Session) handleChat(ctx context.Context, content string) error {
	prefs, err := s.deps.Preferences.GetOrCreate(ctx, s.userID)
	if err != nil {
		return err
	}

	if s.conversation == nil {
		if err := s.startConversation(ctx, prefs.DefaultModel, prefs.DefaultEnableHistory); err != nil {
			return err
		}
	}
	conv := s.conversation

	// 先取历史，保证上下文里不含当前这条消息
	history, err := s.deps.Conversations.ContextMessages(ctx, conv, prefs.MaxContextMessages)
	if err != nil {
		return err
	}

	userMsg, err := s.deps.Conversations.AppendUserMessage(ctx, conv, content)
	if err != nil {
		return err
	}
	if err := s.emitter.Emit(ctx, NewMessageReceived(userMsg)); err != nil {
		return err
	}
	if err := s.emitter.Emit(ctx, NewAssistantThinking()); err != nil {
		return err
	}

	messages := append(history, llm.ChatMessage{Role: llm.RoleUser, Content: content})
	result, err := s.deps.Generator.Generate(ctx, service.GenerationRequest{
		Messages:    messages,
		Model:       conv.ModelUsed,
		Temperature: prefs.Temperature,
		MaxTokens:   prefs.MaxTokens,
		Stream:      true,
	}, func(chunk string) error {
		return s.emitter.Emit(ctx, NewAssistantChunk(chunk))
	})
	if err != nil {
		return err
	}

	assistantMsg, err := s.deps.Conversations.AppendAssistantMessage(ctx, conv, result.Content, result.TokensUsed, result.Duration.Seconds())
	if err != nil {
		return err
	}

	s.logger.Info("assistant response stored",
		"conversation_id", conv.ID,
		"message_id", assistantMsg.ID,
		"tokens", result.TokensUsed,
		"duration", result.Duration)
	return s.emitter.Emit(ctx, NewAssistantComplete(assistantMsg))
}

// handleNewConversation 新建对话，未指定的选项取用户偏好
func (s *Session) handleNewConversation(ctx context.Context, cmd Command) error {
	prefs, err := s.deps.Preferences.GetOrCreate(ctx, s.userID)
	if err != nil {
		return err
	}

	modelKey := prefs.DefaultModel
	if cmd.Model != nil {
		modelKey = *cmd.Model
	}
	enableHistory := prefs.DefaultEnableHistory
	if cmd.EnableHistory != nil {
		enableHistory = *cmd.EnableHistory
	}
	return s.startConversation(ctx, modelKey, enableHistory)
}

func (s *Session) startConversation(ctx context.Context, modelKey string, enableHistory bool) error {
	conv, err := s.deps.Conversations.Create(ctx, s.userID, modelKey, enableHistory)
	if err != nil {
		return err
	}
	if err := s.fsm.FireCtx(ctx, triggerNewConversation); err != nil {
		return err
	}
	s.conversation = conv
	s.logger.Info("conversation created", "conversation_id", conv.ID, "model", conv.ModelUsed)
	return s.emitter.Emit(ctx, NewConversationCreated(conv))
}

func (s *Session) handleLoadHistory(ctx context.Context) error {
	if s.conversation == nil {
		return service.NewValidationError("conversation", textNoConversation)
	}
	messages, err := s.deps.Conversations.History(ctx, s.conversation)
	if err != nil {
		return err
	}
	return s.emitter.Emit(ctx, NewHistoryLoaded(messages))
}

// reportError 把命令失败转换成 error 事件
// 连接已断开或 ctx 已取消时不再发送
func (s *Session) reportError(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
		s.logger.Debug("command aborted", "error", err)
		return
	}

	var ve *service.ValidationError
	var be *service.BackendError
	switch {
	case errors.As(err, &ve):
		s.emitError(ctx, ve.Message)
	case errors.Is(err, service.ErrConversationNotFound):
		s.emitError(ctx, textConversationGone)
	case errors.As(err, &be):
		s.logger.Error("generation failed", "model", be.Model, "error", be.Err)
		s.emitError(ctx, textGenerationFailed+be.PublicMessage())
	default:
		s.logger.Error("command failed", "error", err)
		s.emitError(ctx, textServerError)
	}
}

func (s *Session) emitError(ctx context.Context, message string) {
	if err := s.emitter.Emit(ctx, NewError(message)); err != nil {
		s.logger.Debug("failed to emit error event", "error", err)
	}
}
