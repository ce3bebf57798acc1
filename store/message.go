package store

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/followchat/followchat/server/model"
	"github.com/followchat/followchat/server/tree"
)

// CreateMessage 原子地创建一个树节点：校验会话与父节点、分配 order_index、落库。
// 父节点必须属于同一会话，否则整个创建被拒绝，不留部分行
func (s *Store) CreateMessage(conversationID uint, role, content string, parentID *uint) (*model.Message, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return nil, err
	}
	if role == "" {
		role = model.RoleUser
	}

	var created model.Message
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if parentID != nil {
			var parent model.Message
			if err := tx.First(&parent, *parentID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errors.Wrapf(ErrNotFound, "parent message %d", *parentID)
				}
				return errors.Wrap(err, "get parent message")
			}
			if parent.ConversationID != conversationID {
				return errors.Wrapf(ErrInvalidParent, "parent %d in conversation %d", *parentID, parent.ConversationID)
			}
		}

		next, err := nextOrderIndex(tx, conversationID)
		if err != nil {
			return err
		}

		created = model.Message{
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			OrderIndex:     next,
			ParentID:       parentID,
		}
		return errors.Wrap(tx.Create(&created).Error, "create message")
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// nextOrderIndex 从会话行上的分配计数器取号并在同一事务内递增。
// 计数器只增不减，所以删除末尾消息后新消息也不会拿到旧序号
func nextOrderIndex(tx *gorm.DB, conversationID uint) (int, error) {
	var conv model.Conversation
	if err := tx.First(&conv, conversationID).Error; err != nil {
		return 0, errors.Wrap(err, "get conversation counter")
	}

	err := tx.Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("next_order_index", conv.NextOrderIndex+1).Error
	if err != nil {
		return 0, errors.Wrap(err, "bump order index counter")
	}
	return conv.NextOrderIndex, nil
}

func (s *Store) GetMessage(id uint) (*model.Message, error) {
	var msg model.Message
	if err := s.db.First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "message %d", id)
		}
		return nil, errors.Wrap(err, "get message")
	}
	return &msg, nil
}

// ListMessages 返回会话内全部消息，按 order_index 升序
func (s *Store) ListMessages(conversationID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("order_index ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	return msgs, nil
}

// ListMessagesWithAncestors 先列出祖先会话（根在前）的消息，再列出本会话的
func (s *Store) ListMessagesWithAncestors(conversationID uint) ([]model.Message, error) {
	chain, err := s.ConversationAncestry(conversationID)
	if err != nil {
		return nil, err
	}

	var all []model.Message
	for _, conv := range chain {
		msgs, err := s.ListMessages(conv.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	return all, nil
}

// LatestMessage 返回会话中最近创建的消息（order_index 最大者）；会话为空时返回 nil
func (s *Store) LatestMessage(conversationID uint) (*model.Message, error) {
	var msg model.Message
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("order_index DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "latest message")
	}
	return &msg, nil
}

// MessageUpdate PATCH 语义：nil 字段不修改。Summary 由协调器派生写入，
// 外部 API 层不允许调用方直接提交
type MessageUpdate struct {
	Content        *string
	OrderIndex     *int
	Summary        *string
	ParentID       *uint
	AssistantReply *string
}

func (u MessageUpdate) IsEmpty() bool {
	return u.Content == nil && u.OrderIndex == nil && u.Summary == nil &&
		u.ParentID == nil && u.AssistantReply == nil
}

func (s *Store) UpdateMessage(id uint, upd MessageUpdate) (*model.Message, error) {
	if upd.IsEmpty() {
		return nil, ErrEmptyUpdate
	}

	msg, err := s.GetMessage(id)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if upd.Content != nil {
		fields["content"] = *upd.Content
	}
	if upd.OrderIndex != nil {
		fields["order_index"] = *upd.OrderIndex
	}
	if upd.Summary != nil {
		fields["summary"] = *upd.Summary
	}
	if upd.AssistantReply != nil {
		fields["assistant_reply"] = *upd.AssistantReply
	}
	if upd.ParentID != nil {
		if err := s.checkMessageReparent(msg, *upd.ParentID); err != nil {
			return nil, err
		}
		fields["parent_id"] = *upd.ParentID
	}

	if err := s.db.Model(&model.Message{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return nil, errors.Wrap(err, "update message")
	}
	return s.GetMessage(id)
}

// checkMessageReparent 新父节点必须存在、同会话，且不在 msg 的子树内
func (s *Store) checkMessageReparent(msg *model.Message, newParent uint) error {
	if newParent == msg.ID {
		return errors.Wrapf(ErrCycleDetected, "message %d", msg.ID)
	}

	parent, err := s.GetMessage(newParent)
	if err != nil {
		return err
	}
	if parent.ConversationID != msg.ConversationID {
		return errors.Wrapf(ErrInvalidParent, "parent %d in conversation %d", newParent, parent.ConversationID)
	}

	ix, err := s.conversationIndex(msg.ConversationID)
	if err != nil {
		return err
	}
	path, err := ix.PathToRoot(newParent)
	if err != nil {
		return err
	}
	for _, ancestor := range path[:len(path)-1] {
		if ancestor.ID == msg.ID {
			return errors.Wrapf(ErrCycleDetected, "message %d", msg.ID)
		}
	}
	return nil
}

// conversationIndex 把会话消息整体载入 tree.Index，供纯算法使用
func (s *Store) conversationIndex(conversationID uint) (*tree.Index, error) {
	msgs, err := s.ListMessages(conversationID)
	if err != nil {
		return nil, err
	}
	return tree.Build(msgs), nil
}

// PathToRoot 返回根到指定消息的路径（根在前）。遍历在 tree 包内以节点总数为界
func (s *Store) PathToRoot(id uint) ([]model.Message, error) {
	msg, err := s.GetMessage(id)
	if err != nil {
		return nil, err
	}

	ix, err := s.conversationIndex(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	return ix.PathToRoot(id)
}

// TreeView 会话消息树的可视化投影（只含轮次节点）
func (s *Store) TreeView(conversationID uint) ([]*tree.ViewNode, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return nil, err
	}
	ix, err := s.conversationIndex(conversationID)
	if err != nil {
		return nil, err
	}
	return ix.Flatten(), nil
}

// DeleteMessageTree 级联删除：先通过子节点索引广度优先收集整棵子树，
// 再在单事务内一次性删除，外部永远观察不到删了一半的状态
func (s *Store) DeleteMessageTree(id uint) error {
	msg, err := s.GetMessage(id)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var msgs []model.Message
		if err := tx.Where("conversation_id = ?", msg.ConversationID).Find(&msgs).Error; err != nil {
			return errors.Wrap(err, "load conversation messages")
		}

		ids, err := tree.Build(msgs).Descendants(id)
		if err != nil {
			return err
		}
		return errors.Wrap(tx.Where("id IN ?", ids).Delete(&model.Message{}).Error, "delete subtree")
	})
}
