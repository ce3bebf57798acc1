package store

import (
	"github.com/pkg/errors"

	"github.com/followchat/followchat/server/tree"
)

var (
	// ErrNotFound 会话/消息/父节点不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalidParent 父节点属于另一个会话
	ErrInvalidParent = errors.New("parent message belongs to a different conversation")
	// ErrCycleDetected 改父指针会引入环
	ErrCycleDetected = errors.New("parent change would introduce a cycle")
	// ErrEmptyUpdate 更新请求未携带任何字段
	ErrEmptyUpdate = errors.New("at least one field must be provided")

	// ErrCorruptTree 父链遍历超过节点总数上界，属内部不变式被破坏
	ErrCorruptTree = tree.ErrCorruptTree
)
