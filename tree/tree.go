package tree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/followchat/followchat/server/model"
)

var (
	// ErrNodeNotFound 节点不在索引中
	ErrNodeNotFound = errors.New("node not found in tree index")
	// ErrCorruptTree 父链遍历超过节点总数，说明数据中存在环
	ErrCorruptTree = errors.New("corrupt tree: parent chain exceeds node count")
)

// Index 是一次会话消息的内存索引：按 id 存放节点记录，外加一份显式重建的
// 子节点索引。节点之间不持有对象引用，父子关系只通过 id 表达
type Index struct {
	nodes    map[uint]model.Message
	children map[uint][]uint
	order    []uint // 按 order_index 升序
}

// Build 从消息列表重建索引。children 按 order_index 排序，保证遍历顺序稳定
func Build(msgs []model.Message) *Index {
	ix := &Index{
		nodes:    make(map[uint]model.Message, len(msgs)),
		children: make(map[uint][]uint),
	}

	sorted := make([]model.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OrderIndex < sorted[j].OrderIndex
	})

	for _, m := range sorted {
		ix.nodes[m.ID] = m
		ix.order = append(ix.order, m.ID)
		if m.ParentID != nil {
			ix.children[*m.ParentID] = append(ix.children[*m.ParentID], m.ID)
		}
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.nodes) }

func (ix *Index) Get(id uint) (model.Message, bool) {
	m, ok := ix.nodes[id]
	return m, ok
}

// Children 返回直接子节点 id，按 order_index 升序
func (ix *Index) Children(id uint) []uint {
	return ix.children[id]
}

// PathToRoot 返回从根到指定节点的路径（根在前）。
// 迭代次数以节点总数为上界，超出视为数据损坏
func (ix *Index) PathToRoot(id uint) ([]model.Message, error) {
	node, ok := ix.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNodeNotFound, "id=%d", id)
	}

	var path []model.Message
	for steps := 0; ; steps++ {
		if steps > len(ix.nodes) {
			return nil, errors.Wrapf(ErrCorruptTree, "starting from id=%d", id)
		}
		path = append(path, node)
		if node.ParentID == nil {
			break
		}
		parent, ok := ix.nodes[*node.ParentID]
		if !ok {
			// 父节点缺失时当前节点就是可达的根
			break
		}
		node = parent
	}

	// 反转为根在前
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Root 返回指定节点所在树的根
func (ix *Index) Root(id uint) (model.Message, error) {
	path, err := ix.PathToRoot(id)
	if err != nil {
		return model.Message{}, err
	}
	return path[0], nil
}

// Descendants 广度优先枚举以 id 为根的整棵子树（含 id 自身）。
// 用于级联删除前收集完整的待删集合
func (ix *Index) Descendants(id uint) ([]uint, error) {
	if _, ok := ix.nodes[id]; !ok {
		return nil, errors.Wrapf(ErrNodeNotFound, "id=%d", id)
	}

	var result []uint
	queue := []uint{id}
	seen := map[uint]bool{id: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)
		for _, child := range ix.children[cur] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return result, nil
}

// ViewNode 可视化视图的节点：只含轮次，显示摘要（无摘要时显示原文）
type ViewNode struct {
	ID       uint        `json:"id"`
	Label    string      `json:"label"`
	Children []*ViewNode `json:"children"`
}

// Flatten 生成只读的可视化投影：每个轮次节点挂到最近的祖先轮次之下，
// 中间的非轮次节点被跳过。不修改任何父指针
func (ix *Index) Flatten() []*ViewNode {
	views := make(map[uint]*ViewNode)
	var roots []*ViewNode

	for _, id := range ix.order {
		m := ix.nodes[id]
		if !isTurnUnit(m) {
			continue
		}
		views[id] = &ViewNode{ID: id, Label: displayLabel(m)}
	}

	for _, id := range ix.order {
		view, ok := views[id]
		if !ok {
			continue
		}
		if anchorID, ok := ix.nearestTurnAncestor(id); ok {
			views[anchorID].Children = append(views[anchorID].Children, view)
		} else {
			roots = append(roots, view)
		}
	}
	return roots
}

// nearestTurnAncestor 沿父链向上找第一个轮次节点，跳过非轮次节点
func (ix *Index) nearestTurnAncestor(id uint) (uint, bool) {
	node := ix.nodes[id]
	for steps := 0; node.ParentID != nil && steps <= len(ix.nodes); steps++ {
		parent, ok := ix.nodes[*node.ParentID]
		if !ok {
			return 0, false
		}
		if isTurnUnit(parent) {
			return parent.ID, true
		}
		node = parent
	}
	return 0, false
}

func isTurnUnit(m model.Message) bool {
	return m.Role == model.RoleUser
}

func displayLabel(m model.Message) string {
	if m.Summary != nil && *m.Summary != "" {
		return *m.Summary
	}
	return m.Content
}

// ActiveRoot 侧边栏高亮用的"当前根"：选中节点存在时取其路径上最顶端的轮次；
// 选中节点已被删除时回退到最近创建的剩余节点；无剩余节点时返回 nil
func (ix *Index) ActiveRoot(selectedID uint) *model.Message {
	if _, ok := ix.nodes[selectedID]; ok {
		path, err := ix.PathToRoot(selectedID)
		if err != nil {
			return nil
		}
		for _, m := range path {
			if isTurnUnit(m) {
				node := m
				return &node
			}
		}
		return nil
	}

	var latest *model.Message
	for _, id := range ix.order {
		m := ix.nodes[id]
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) ||
			(m.CreatedAt.Equal(latest.CreatedAt) && m.ID > latest.ID) {
			node := m
			latest = &node
		}
	}
	return latest
}
