package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// 树变更通知类型
const (
	NoticeConversationCreated = "conversation_created"
	NoticeConversationUpdated = "conversation_updated"
	NoticeConversationDeleted = "conversation_deleted"
	NoticeMessageCreated      = "message_created"
	NoticeMessageUpdated      = "message_updated"
	NoticeMessageDeleted      = "message_deleted"
)

// Notice 推送给前端的树变更事件，前端据此安排一次全量重同步
type Notice struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	MessageID      uint   `json:"message_id,omitempty"`
}

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient 一个已连接的前端
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.conn.Close()
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub 管理全部通知连接。与树存储无任何耦合，只负责扇出
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Broadcast 推送给全部已连接客户端。发送缓冲满的连接直接丢弃该条通知：
// 前端下一次重同步会补齐状态
func (h *Hub) Broadcast(n Notice) {
	if h == nil {
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			log.Warn().Str("type", n.Type).Msg("notice buffer full, dropping")
		}
	}
}

// ClientCount 当前连接数（测试用）
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS 处理通知连接请求
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.Info().Msg("ws client connected")

	go h.writePump(client)
	go h.pingPump(client)
	h.readPump(client)
}

// readPump 读取并丢弃客户端消息，只用来刷新读超时
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		client.close()
		log.Info().Msg("ws client disconnected")
	}()

	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	}
}

func (h *Hub) writePump(client *wsClient) {
	for data := range client.send {
		if err := client.write(data); err != nil {
			return
		}
	}
}

// pingPump 定期发送应用层 PING，客户端任意回包即可刷新读超时
func (h *Hub) pingPump(client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		data, _ := json.Marshal(Notice{Type: "ping"})
		if err := client.write(data); err != nil {
			return
		}
	}
}
