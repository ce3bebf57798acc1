package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/followchat/followchat/server/llm"
	"github.com/followchat/followchat/server/model"
	"github.com/followchat/followchat/server/store"
	"github.com/followchat/followchat/server/stream"
)

const assistantSystemPrompt = "你是 FollowChat 助手，需要根据当前会话历史回答用户最新的问题。" +
	"保持专业且简洁，如信息不足请主动说明。"

const summarySystemPrompt = "请用5-10个字概括用户刚刚输入的内容，仅返回概括文本。"

// 摘要与标题的最大长度（按 rune 截断）
const maxSummaryLen = 255

// 摘要调用固定用低温度，与回答温度无关
const summaryTemperature = 0.2

// ReplyHandler 驱动一次完整的用户轮次：
// 落库用户消息 → 以祖先路径为上下文流式生成回答 → 持久化回答 →
// 二次调用生成摘要并持久化 → 发出完成信号。
// 任何一步的上游失败只通过一条 error 事件上报，绝不自动重试；
// 重试由调用方重新发请求完成，且总是产生新节点
type ReplyHandler struct {
	Store *store.Store
	Hub   *Hub
}

type replyRequest struct {
	Content  string `json:"content"`
	ParentID *uint  `json:"parent_id"`
}

func (h *ReplyHandler) Handle(c *gin.Context) {
	convID, ok := parseID(c, "id")
	if !ok {
		return
	}

	// 落任何行之前先确认会话存在
	conv, err := h.Store.GetConversation(convID)
	if err != nil {
		respondError(c, err)
		return
	}

	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	cfg, err := h.Store.GetConfig()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "LLM 配置尚未初始化"})
			return
		}
		respondError(c, err)
		return
	}

	// 未指定父节点时，默认挂在会话中最近创建的节点之下。
	// 这是协议约定的默认值，不是实现巧合
	parentID := req.ParentID
	if parentID == nil {
		latest, err := h.Store.LatestMessage(convID)
		if err != nil {
			respondError(c, err)
			return
		}
		if latest != nil {
			parentID = &latest.ID
		}
	}

	userMsg, err := h.Store.CreateMessage(convID, model.RoleUser, req.Content, parentID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Hub.Broadcast(Notice{Type: NoticeMessageCreated, ConversationID: convID, MessageID: userMsg.ID})

	traceID := uuid.New().String()
	logger := log.With().Str("trace_id", traceID).Uint("message_id", userMsg.ID).Logger()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	enc := stream.NewEncoder(c.Writer)

	// 先发消息 ID，让客户端在回答完成之前就能跟踪这个节点
	if err := enc.Encode(stream.Event{Type: stream.EventMessageID, MessageID: userMsg.ID}); err != nil {
		logger.Warn().Err(err).Msg("client gone before stream start")
		return
	}

	history, err := h.Store.PathToRoot(userMsg.ID)
	if err != nil {
		h.fail(enc, &logger, err)
		return
	}

	client := llm.New(deref(cfg.APIKey), deref(cfg.BaseURL), cfg.ModelName)

	replyText, err := client.Stream(c.Request.Context(), promptFromHistory(history), cfg.Temperature,
		func(delta string) error {
			return enc.Encode(stream.Event{Type: stream.EventDelta, Content: delta})
		})
	if err != nil {
		// 用户消息保留，不回滚；它没有回答，也没有摘要
		h.fail(enc, &logger, err)
		return
	}

	// 回答先持久化再做摘要：客户端断开也不丢已生成的回答
	replyText = strings.TrimSpace(replyText)
	if _, err := h.Store.UpdateMessage(userMsg.ID, store.MessageUpdate{AssistantReply: &replyText}); err != nil {
		h.fail(enc, &logger, err)
		return
	}

	// 第二阶段：只对用户原文做摘要，不含回答
	summaryText, err := client.Complete(c.Request.Context(), []llm.Message{
		{Role: model.RoleSystem, Content: summarySystemPrompt},
		{Role: model.RoleUser, Content: req.Content},
	}, summaryTemperature)
	if err != nil {
		h.fail(enc, &logger, err)
		return
	}

	summaryText = truncate(strings.TrimSpace(summaryText), maxSummaryLen)
	if summaryText != "" {
		if _, err := h.Store.UpdateMessage(userMsg.ID, store.MessageUpdate{Summary: &summaryText}); err != nil {
			h.fail(enc, &logger, err)
			return
		}
	}

	h.maybePromoteTitle(conv, userMsg, summaryText, req.Content)
	h.Hub.Broadcast(Notice{Type: NoticeMessageUpdated, ConversationID: convID, MessageID: userMsg.ID})

	// 完成信号在摘要持久化之后发出，此后不再有任何事件
	if err := enc.Encode(stream.Event{Type: stream.EventDone}); err != nil {
		logger.Warn().Err(err).Msg("client gone before done")
	}
	logger.Info().Int("reply_len", len(replyText)).Msg("reply turn complete")
}

// fail 仅上报一次错误事件并终止流
func (h *ReplyHandler) fail(enc *stream.Encoder, logger *zerolog.Logger, err error) {
	logger.Error().Err(err).Msg("reply turn failed")
	msg := "服务器内部错误"
	if errors.Is(err, llm.ErrUpstream) {
		msg = "LLM 请求失败: " + err.Error()
	}
	if encErr := enc.Encode(stream.Event{Type: stream.EventError, Content: msg}); encErr != nil {
		logger.Warn().Err(encErr).Msg("client gone before error event")
	}
}

// maybePromoteTitle 首轮之后把摘要（或原文）提升为会话标题
func (h *ReplyHandler) maybePromoteTitle(conv *model.Conversation, userMsg *model.Message, summary, content string) {
	if conv.Title != model.DefaultTitle && conv.Title != "" {
		return
	}
	if userMsg.OrderIndex != 0 {
		return
	}

	title := summary
	if title == "" {
		title = truncate(strings.TrimSpace(content), maxSummaryLen)
	}
	if title == "" {
		return
	}

	if _, err := h.Store.UpdateConversation(conv.ID, store.ConversationUpdate{Title: &title}); err != nil {
		log.Warn().Err(err).Uint("conversation_id", conv.ID).Msg("title promotion failed")
		return
	}
	h.Hub.Broadcast(Notice{Type: NoticeConversationUpdated, ConversationID: conv.ID})
}

// promptFromHistory 把根到新节点的路径映射为角色/内容对。
// 每个轮次贡献一条 user 消息，有内嵌回答的再补一条 assistant 消息
func promptFromHistory(history []model.Message) []llm.Message {
	msgs := []llm.Message{{Role: model.RoleSystem, Content: assistantSystemPrompt}}
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, llm.Message{Role: model.RoleUser, Content: m.Content})
			if m.AssistantReply != nil && *m.AssistantReply != "" {
				msgs = append(msgs, llm.Message{Role: model.RoleAssistant, Content: *m.AssistantReply})
			}
		case model.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: model.RoleAssistant, Content: m.Content})
		case model.RoleSystem:
			msgs = append(msgs, llm.Message{Role: model.RoleSystem, Content: m.Content})
		}
	}
	return msgs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
