package model

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultTitle 新建会话的默认标题
const DefaultTitle = "新对话"

// Conversation 会话。ParentID 用于历史侧边栏的分组嵌套，与消息分支无关。
// NextOrderIndex 是消息 order_index 的分配计数器：只增不减，
// 删除消息不回收已分配过的序号
type Conversation struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Title          string    `json:"title"`
	ParentID       *uint     `gorm:"index" json:"parent_id"`
	NextOrderIndex int       `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message 树节点。一个"轮次"是一条 user 消息加上内嵌的 AssistantReply 和 Summary，
// 分支只发生在轮次之间：ParentID 指向最近的祖先轮次
type Message struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint      `gorm:"index;uniqueIndex:idx_messages_conversation_order" json:"conversation_id"`
	Role           string    `json:"role"` // "user" / "assistant" / "system"
	Content        string    `gorm:"type:text" json:"content"`
	OrderIndex     int       `gorm:"uniqueIndex:idx_messages_conversation_order" json:"order_index"`
	Summary        *string   `json:"summary"`
	ParentID       *uint     `gorm:"index" json:"parent_id"`
	AssistantReply *string   `gorm:"type:text" json:"assistant_reply"`
	CreatedAt      time.Time `json:"created_at"`
}

// Config LLM 配置，单行（ID 恒为 1）
type Config struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	APIKey      *string   `json:"api_key"`
	BaseURL     *string   `json:"base_url"`
	ModelName   string    `json:"model_name"`
	Temperature float64   `json:"temperature"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Config) TableName() string { return "configs" }

func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &Config{}); err != nil {
		return nil, err
	}

	return db, nil
}
