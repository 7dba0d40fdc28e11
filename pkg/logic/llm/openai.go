package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"talkstream/pkg/logic/session"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// ChatClient 定义了聊天客户端的接口
type ChatClient interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAI 兼容 OpenAI Chat Completions 协议的流式生成（DeepSeek、SiliconFlow 等）
type OpenAI struct {
	client      ChatClient
	model       string
	temperature float64
	maxTokens   int64
}

// OpenAIOptions 可选参数
type OpenAIOptions struct {
	Temperature float64 // 0 表示使用服务端默认值
	MaxTokens   int64
	Request     []option.RequestOption
}

// NewOpenAI 创建一个新的 OpenAI 兼容客户端
func NewOpenAI(apiKey, baseURL, model string, opts OpenAIOptions) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts.Request...)
	client := openai.NewClient(reqOpts...)
	return NewOpenAIWithClient(&client.Chat.Completions, model, opts)
}

// NewOpenAIWithClient 使用已有的 ChatClient
func NewOpenAIWithClient(client ChatClient, model string, opts OpenAIOptions) *OpenAI {
	return &OpenAI{
		client:      client,
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

// Generate 发起流式生成。该后端只接受文本，带附件的请求返回 ErrUnsupportedInput
func (o *OpenAI) Generate(ctx context.Context, req Request) (Stream, error) {
	if len(req.Blobs) > 0 {
		return nil, fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedInput, o.model, req.Blobs[0].MIMEType)
	}
	params := o.buildParams(req)
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrUnsupportedInput)
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := newPipeStream(cancel)
	go func() {
		var err error
		defer func() { stream.finish(err) }()

		upstream := o.client.NewStreaming(ctx, params)
		defer upstream.Close()

		for upstream.Next() {
			chunk := upstream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !stream.emit(ctx, chunk.Choices[0].Delta.Content) {
				err = ctx.Err()
				return
			}
		}
		if streamErr := upstream.Err(); streamErr != nil && !errors.Is(streamErr, io.EOF) {
			if ctx.Err() != nil {
				err = ctx.Err()
				return
			}
			err = fmt.Errorf("%w: openai: %w", ErrTransient, streamErr)
		}
	}()
	return stream, nil
}

func (o *OpenAI) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		if turn.Content == "" {
			continue
		}
		if turn.Role == session.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	if req.Text != "" {
		messages = append(messages, openai.UserMessage(req.Text))
	}

	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: messages,
	}
	temperature := o.temperature
	if req.Temperature > 0 {
		temperature = float64(req.Temperature)
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.Int(o.maxTokens)
	}
	return params
}
