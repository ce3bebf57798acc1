package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/followchat/followchat/server/model"
	"github.com/followchat/followchat/server/store"
)

// MessageHandler 消息的直接读写（不经过 LLM）与级联删除
type MessageHandler struct {
	Store *store.Store
	Hub   *Hub
}

type messageCreateRequest struct {
	Content  string  `json:"content"`
	Role     string  `json:"role"`
	ParentID *uint   `json:"parent_id"`
	Summary  *string `json:"summary"`
}

type messageUpdateRequest struct {
	Content        *string `json:"content"`
	OrderIndex     *int    `json:"order_index"`
	Summary        *string `json:"summary"`
	ParentID       *uint   `json:"parent_id"`
	AssistantReply *string `json:"assistant_reply"`
}

func validRole(role string) bool {
	switch role {
	case "", model.RoleUser, model.RoleAssistant, model.RoleSystem:
		return true
	}
	return false
}

func (h *MessageHandler) Create(c *gin.Context) {
	convID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req messageCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if !validRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be one of user/assistant/system"})
		return
	}
	// summary 是派生字段，只能由协调器写入
	if req.Summary != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "summary cannot be supplied by the caller"})
		return
	}

	msg, err := h.Store.CreateMessage(convID, req.Role, req.Content, req.ParentID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeMessageCreated, ConversationID: convID, MessageID: msg.ID})
	c.JSON(http.StatusCreated, msg)
}

func (h *MessageHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	msg, err := h.Store.GetMessage(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *MessageHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req messageUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	msg, err := h.Store.UpdateMessage(id, store.MessageUpdate{
		Content:        req.Content,
		OrderIndex:     req.OrderIndex,
		Summary:        req.Summary,
		ParentID:       req.ParentID,
		AssistantReply: req.AssistantReply,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeMessageUpdated, ConversationID: msg.ConversationID, MessageID: msg.ID})
	c.JSON(http.StatusOK, msg)
}

// Delete 级联删除整棵子树
func (h *MessageHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	msg, err := h.Store.GetMessage(id)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.Store.DeleteMessageTree(id); err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeMessageDeleted, ConversationID: msg.ConversationID, MessageID: id})
	c.Status(http.StatusNoContent)
}

// PathToRoot 客户端选中节点时请求的权威祖先路径
func (h *MessageHandler) PathToRoot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	path, err := h.Store.PathToRoot(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, path)
}
