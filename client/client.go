// Package client 维护服务端消息树的本地镜像：
// 按节点 ID 归并服务端的增量与全量响应，并在每次变更后
// 重新计算活动路径与根列表。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/followchat/followchat/server/model"
	"github.com/followchat/followchat/server/stream"
	"github.com/followchat/followchat/server/tree"
)

// ErrReplyFailed 表示服务端以 error 事件终止了回复流
var ErrReplyFailed = errors.New("reply stream terminated with error")

// Client 绑定单个会话的树缓存
type Client struct {
	baseURL        string
	conversationID uint
	http           *http.Client

	mu       sync.Mutex
	nodes    map[uint]model.Message
	order    []uint // 插入顺序
	selected uint   // 0 表示未选中
}

func New(baseURL string, conversationID uint) *Client {
	return &Client{
		baseURL:        baseURL,
		conversationID: conversationID,
		http:           &http.Client{},
		nodes:          make(map[uint]model.Message),
	}
}

// Resync 从服务端全量拉取会话消息并重建镜像。
// 正在流式接收回答的节点例外：服务端还没有它的回答时，
// 保留本地已积累的乐观文本
func (c *Client) Resync(ctx context.Context) error {
	var msgs []model.Message
	path := fmt.Sprintf("/conversations/%d/messages", c.conversationID)
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.nodes
	c.nodes = make(map[uint]model.Message, len(msgs))
	c.order = c.order[:0]
	for _, m := range msgs {
		if prev, ok := old[m.ID]; ok && m.AssistantReply == nil && prev.AssistantReply != nil {
			m.AssistantReply = prev.AssistantReply
		}
		c.nodes[m.ID] = m
		c.order = append(c.order, m.ID)
	}

	if _, ok := c.nodes[c.selected]; !ok {
		c.selected = 0
	}
	return nil
}

// Select 选中一个节点：向服务端请求该节点的权威祖先路径，
// 归并进缓存而不是整体替换，避免覆盖其他节点在途的乐观更新
func (c *Client) Select(ctx context.Context, id uint) error {
	var path []model.Message
	if err := c.getJSON(ctx, fmt.Sprintf("/messages/%d/path-to-root", id), &path); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range path {
		c.merge(m)
	}
	c.selected = id
	return nil
}

// merge 按 ID 归并单个节点；调用方持锁
func (c *Client) merge(m model.Message) {
	if _, known := c.nodes[m.ID]; !known {
		c.order = append(c.order, m.ID)
	}
	c.nodes[m.ID] = m
}

// SendReply 发起一轮 LLM 回复并消费整条事件流。
// message_id 指向未知节点时先全量重同步（父节点可能被服务端
// 解析成与本地猜测不同的默认值）；delta 乐观地追加到该节点；
// done 之后再重同步一次以取回最终摘要与确认后的回答。
// onDelta 可以为 nil。返回新建节点的 ID
func (c *Client) SendReply(ctx context.Context, content string, parentID *uint, onDelta func(string)) (uint, error) {
	body, err := json.Marshal(map[string]any{"content": content, "parent_id": parentID})
	if err != nil {
		return 0, errors.Wrap(err, "encode reply request")
	}

	url := fmt.Sprintf("%s/conversations/%d/llm-reply", c.baseURL, c.conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "build reply request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "send reply request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.apiError(resp)
	}

	var nodeID uint
	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 传输中断：镜像保留最后一次已应用的部分回答，等下次重同步
			return nodeID, errors.Wrap(err, "read reply stream")
		}

		switch ev.Type {
		case stream.EventMessageID:
			nodeID = ev.MessageID
			if err := c.trackNode(ctx, nodeID); err != nil {
				return nodeID, err
			}
		case stream.EventDelta:
			c.appendDelta(nodeID, ev.Content)
			if onDelta != nil {
				onDelta(ev.Content)
			}
		case stream.EventError:
			return nodeID, errors.Wrapf(ErrReplyFailed, "%s", ev.Content)
		case stream.EventDone:
			if err := c.Resync(ctx); err != nil {
				return nodeID, err
			}
			return nodeID, nil
		}
	}
	return nodeID, errors.New("reply stream ended without done or error")
}

// trackNode 确保节点进入镜像并成为选中节点
func (c *Client) trackNode(ctx context.Context, id uint) error {
	c.mu.Lock()
	_, known := c.nodes[id]
	c.mu.Unlock()

	if !known {
		if err := c.Resync(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
	return nil
}

// appendDelta 把增量追加到节点的在途回答文本，不等待持久化确认
func (c *Client) appendDelta(id uint, delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[id]
	if !ok {
		return
	}
	text := delta
	if node.AssistantReply != nil {
		text = *node.AssistantReply + delta
	}
	node.AssistantReply = &text
	c.nodes[id] = node
}

// Node 返回镜像中的节点
func (c *Client) Node(id uint) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.nodes[id]
	return m, ok
}

// Selected 返回当前选中的节点 ID，0 表示未选中
func (c *Client) Selected() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// ActivePath 返回根到当前选中节点的路径；未选中时为空
func (c *Client) ActivePath() ([]model.Message, error) {
	ix, selected := c.index()
	if selected == 0 {
		return nil, nil
	}
	path, err := ix.PathToRoot(selected)
	if err != nil {
		return nil, errors.Wrap(err, "active path")
	}
	return path, nil
}

// TreeView 返回可视化用的轮次树投影
func (c *Client) TreeView() []*tree.ViewNode {
	ix, _ := c.index()
	return ix.Flatten()
}

// ActiveRoot 返回侧边栏高亮用的活动根节点；镜像为空时为 nil
func (c *Client) ActiveRoot() *model.Message {
	ix, selected := c.index()
	return ix.ActiveRoot(selected)
}

// index 拍下镜像快照并构建索引；持锁时间只覆盖拷贝
func (c *Client) index() (*tree.Index, uint) {
	c.mu.Lock()
	msgs := make([]model.Message, 0, len(c.order))
	for _, id := range c.order {
		msgs = append(msgs, c.nodes[id])
	}
	selected := c.selected
	c.mu.Unlock()
	return tree.Build(msgs), selected
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return errors.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return errors.Errorf("server returned %d", resp.StatusCode)
}
