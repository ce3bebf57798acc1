package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/followchat/followchat/server/store"
)

// ConversationHandler 会话的 CRUD 与树读取，基本是对 Store 的透传
type ConversationHandler struct {
	Store *store.Store
	Hub   *Hub
}

type conversationCreateRequest struct {
	Title    string `json:"title"`
	ParentID *uint  `json:"parent_id"`
}

type conversationUpdateRequest struct {
	Title    *string `json:"title"`
	ParentID *uint   `json:"parent_id"`
}

func (h *ConversationHandler) List(c *gin.Context) {
	var parentID *uint
	if raw := c.Query("parent_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent_id"})
			return
		}
		id := uint(v)
		parentID = &id
	}

	convs, err := h.Store.ListConversations(parentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *ConversationHandler) Create(c *gin.Context) {
	var req conversationCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	conv, err := h.Store.CreateConversation(req.Title, req.ParentID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeConversationCreated, ConversationID: conv.ID})
	c.JSON(http.StatusCreated, conv)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	conv, err := h.Store.GetConversation(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req conversationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	conv, err := h.Store.UpdateConversation(id, store.ConversationUpdate{
		Title:    req.Title,
		ParentID: req.ParentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeConversationUpdated, ConversationID: conv.ID})
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.Store.DeleteConversation(id); err != nil {
		respondError(c, err)
		return
	}

	h.Hub.Broadcast(Notice{Type: NoticeConversationDeleted, ConversationID: id})
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Ancestry(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	chain, err := h.Store.ConversationAncestry(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

// Messages 树读取。include_ancestors=true 时把祖先会话的消息排在前面
func (h *ConversationHandler) Messages(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetConversation(id); err != nil {
		respondError(c, err)
		return
	}

	var (
		msgs interface{}
		err  error
	)
	if c.Query("include_ancestors") == "true" {
		msgs, err = h.Store.ListMessagesWithAncestors(id)
	} else {
		msgs, err = h.Store.ListMessages(id)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Tree 可视化视图：只含轮次节点的只读投影
func (h *ConversationHandler) Tree(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	view, err := h.Store.TreeView(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
