// Package llm 封装"补全能力"：面向任意 OpenAI 兼容上游的回答与摘要调用。
// 上游的任何失败（超时、网络、格式异常）统一折叠为 ErrUpstream
package llm

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"
)

// ErrUpstream 上游补全调用失败
var ErrUpstream = errors.New("llm upstream failure")

// Message 发给上游的一条对话历史
type Message struct {
	Role    string
	Content string
}

// Client 一次回复请求的补全能力实例，不在请求之间复用配置
type Client struct {
	api       openai.Client
	modelName string
}

func New(apiKey, baseURL, modelName string) *Client {
	// 上游失败不做自动重试，重试永远由调用方重新发起请求
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		api:       openai.NewClient(opts...),
		modelName: modelName,
	}
}

// Stream 流式补全。每个增量先写入累积缓冲再交给 onDelta；
// 返回值是拼接后的完整文本。onDelta 返回错误时中断流（调用方取消）
func (c *Client) Stream(ctx context.Context, msgs []Message, temperature float64, onDelta func(delta string) error) (string, error) {
	s := c.api.Chat.Completions.NewStreaming(ctx, c.params(msgs, temperature))

	var full strings.Builder
	for s.Next() {
		chunk := s.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if err := onDelta(choice.Delta.Content); err != nil {
				_ = s.Close()
				return full.String(), err
			}
		}
	}
	if err := s.Err(); err != nil {
		return full.String(), errors.Wrapf(ErrUpstream, "stream: %v", err)
	}
	return full.String(), nil
}

// Complete 非流式补全，用于摘要这类短结果
func (c *Client) Complete(ctx context.Context, msgs []Message, temperature float64) (string, error) {
	completion, err := c.api.Chat.Completions.New(ctx, c.params(msgs, temperature))
	if err != nil {
		return "", errors.Wrapf(ErrUpstream, "complete: %v", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.Wrap(ErrUpstream, "no choices in completion")
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *Client) params(msgs []Message, temperature float64) openai.ChatCompletionNewParams {
	var union []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case "system":
			union = append(union, openai.SystemMessage(m.Content))
		case "assistant":
			union = append(union, openai.AssistantMessage(m.Content))
		default:
			union = append(union, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.modelName),
		Messages:    union,
		Temperature: openai.Float(temperature),
	}
}
