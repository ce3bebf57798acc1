package store

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/followchat/followchat/server/model"
)

// Store 封装所有数据库访问。树算法本身在 tree 包，这里只负责读写与事务边界
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ---------------------------------------------------------------------------
// Conversation
// ---------------------------------------------------------------------------

func (s *Store) CreateConversation(title string, parentID *uint) (*model.Conversation, error) {
	if title == "" {
		title = model.DefaultTitle
	}
	if parentID != nil {
		if _, err := s.GetConversation(*parentID); err != nil {
			return nil, err
		}
	}

	conv := model.Conversation{Title: title, ParentID: parentID}
	if err := s.db.Create(&conv).Error; err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	return &conv, nil
}

func (s *Store) GetConversation(id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.db.First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "conversation %d", id)
		}
		return nil, errors.Wrap(err, "get conversation")
	}
	return &conv, nil
}

// ListConversations 按创建时间倒序。parentID 非空时只返回该分组下的会话
func (s *Store) ListConversations(parentID *uint) ([]model.Conversation, error) {
	q := s.db.Order("created_at DESC, id DESC")
	if parentID != nil {
		q = q.Where("parent_id = ?", *parentID)
	}

	var convs []model.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return convs, nil
}

// ConversationUpdate PATCH 语义：nil 字段不修改
type ConversationUpdate struct {
	Title    *string
	ParentID *uint
}

func (u ConversationUpdate) IsEmpty() bool {
	return u.Title == nil && u.ParentID == nil
}

func (s *Store) UpdateConversation(id uint, upd ConversationUpdate) (*model.Conversation, error) {
	if upd.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	if _, err := s.GetConversation(id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if upd.Title != nil {
		fields["title"] = *upd.Title
	}
	if upd.ParentID != nil {
		if err := s.checkConversationCycle(id, *upd.ParentID); err != nil {
			return nil, err
		}
		fields["parent_id"] = *upd.ParentID
	}

	if err := s.db.Model(&model.Conversation{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return nil, errors.Wrap(err, "update conversation")
	}
	return s.GetConversation(id)
}

// checkConversationCycle 确保把 id 挂到 newParent 下不会让会话成为自己的祖先
func (s *Store) checkConversationCycle(id, newParent uint) error {
	if newParent == id {
		return errors.Wrapf(ErrCycleDetected, "conversation %d", id)
	}

	var total int64
	if err := s.db.Model(&model.Conversation{}).Count(&total).Error; err != nil {
		return errors.Wrap(err, "count conversations")
	}

	cur := newParent
	for steps := int64(0); ; steps++ {
		if steps > total {
			return errors.Wrapf(ErrCorruptTree, "conversation %d ancestry", newParent)
		}
		conv, err := s.GetConversation(cur)
		if err != nil {
			return err
		}
		if conv.ParentID == nil {
			return nil
		}
		if *conv.ParentID == id {
			return errors.Wrapf(ErrCycleDetected, "conversation %d", id)
		}
		cur = *conv.ParentID
	}
}

// ConversationAncestry 返回从根会话到指定会话的链（根在前）
func (s *Store) ConversationAncestry(id uint) ([]model.Conversation, error) {
	var total int64
	if err := s.db.Model(&model.Conversation{}).Count(&total).Error; err != nil {
		return nil, errors.Wrap(err, "count conversations")
	}

	var chain []model.Conversation
	cur := &id
	for steps := int64(0); cur != nil; steps++ {
		if steps > total {
			return nil, errors.Wrapf(ErrCorruptTree, "conversation %d ancestry", id)
		}
		conv, err := s.GetConversation(*cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *conv)
		cur = conv.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// DeleteConversation 级联删除：子会话子树与其中全部消息一并删除，单事务提交
func (s *Store) DeleteConversation(id uint) error {
	if _, err := s.GetConversation(id); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		ids := []uint{id}
		queue := []uint{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			var children []uint
			if err := tx.Model(&model.Conversation{}).Where("parent_id = ?", cur).Pluck("id", &children).Error; err != nil {
				return errors.Wrap(err, "collect child conversations")
			}
			ids = append(ids, children...)
			queue = append(queue, children...)
		}

		if err := tx.Where("conversation_id IN ?", ids).Delete(&model.Message{}).Error; err != nil {
			return errors.Wrap(err, "delete conversation messages")
		}
		if err := tx.Where("id IN ?", ids).Delete(&model.Conversation{}).Error; err != nil {
			return errors.Wrap(err, "delete conversations")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func (s *Store) GetConfig() (*model.Config, error) {
	var cfg model.Config
	if err := s.db.First(&cfg, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(ErrNotFound, "config")
		}
		return nil, errors.Wrap(err, "get config")
	}
	return &cfg, nil
}

func (s *Store) UpsertConfig(apiKey, baseURL *string, modelName string, temperature float64) (*model.Config, error) {
	cfg := model.Config{
		ID:          1,
		APIKey:      apiKey,
		BaseURL:     baseURL,
		ModelName:   modelName,
		Temperature: temperature,
		UpdatedAt:   time.Now(),
	}
	if err := s.db.Save(&cfg).Error; err != nil {
		return nil, errors.Wrap(err, "upsert config")
	}
	return s.GetConfig()
}
