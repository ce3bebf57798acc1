package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/followchat/followchat/server/store"
)

// NewRouter 组装全部路由。测试与 main 共用一份接线
func NewRouter(s *store.Store, hub *Hub) *gin.Engine {
	convs := &ConversationHandler{Store: s, Hub: hub}
	msgs := &MessageHandler{Store: s, Hub: hub}
	reply := &ReplyHandler{Store: s, Hub: hub}
	cfg := &ConfigHandler{Store: s}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/conversations", convs.List)
	r.POST("/conversations", convs.Create)
	r.GET("/conversations/:id", convs.Get)
	r.PATCH("/conversations/:id", convs.Update)
	r.DELETE("/conversations/:id", convs.Delete)
	r.GET("/conversations/:id/ancestry", convs.Ancestry)
	r.GET("/conversations/:id/messages", convs.Messages)
	r.GET("/conversations/:id/tree", convs.Tree)
	r.POST("/conversations/:id/messages", msgs.Create)
	r.POST("/conversations/:id/llm-reply", reply.Handle)

	r.GET("/messages/:id", msgs.Get)
	r.PATCH("/messages/:id", msgs.Update)
	r.DELETE("/messages/:id", msgs.Delete)
	r.GET("/messages/:id/path-to-root", msgs.PathToRoot)

	r.GET("/config", cfg.Get)
	r.PUT("/config", cfg.Put)

	r.GET("/ws", hub.HandleWS)

	return r
}
