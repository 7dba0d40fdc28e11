package llm

import (
	"context"
	"fmt"
	"strings"

	"talkstream/pkg/logger"
	"talkstream/pkg/logic/session"

	"google.golang.org/genai"
)

// Gemini 基于 google genai SDK 的流式生成
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini 创建 Gemini 客户端
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiWithClient(client, model), nil
}

// NewGeminiWithClient 复用已有的 genai 客户端
func NewGeminiWithClient(client *genai.Client, model string) *Gemini {
	return &Gemini{client: client, model: model}
}

// Client 底层 genai 客户端
func (g *Gemini) Client() *genai.Client {
	return g.client
}

// Generate 发起流式生成。返回的 Stream 在 ctx 取消或 Close 后停止
func (g *Gemini) Generate(ctx context.Context, req Request) (Stream, error) {
	contents := BuildContents(req)
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrUnsupportedInput)
	}
	cfg := BuildConfig(req)

	ctx, cancel := context.WithCancel(ctx)
	stream := newPipeStream(cancel)
	go func() {
		var err error
		defer func() { stream.finish(err) }()

		for resp, iterErr := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if iterErr != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				} else {
					err = fmt.Errorf("%w: gemini: %w", ErrTransient, iterErr)
				}
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			if !stream.emit(ctx, text) {
				err = ctx.Err()
				return
			}
		}
	}()
	return stream, nil
}

// BuildConfig 把请求参数转换为 genai 配置
func BuildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.SystemPrompt)},
		}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	return cfg
}

// BuildContents 把历史和本轮输入转换为 genai 内容，相邻同角色消息合并
func BuildContents(req Request) []*genai.Content {
	var (
		contents []*genai.Content
		last     *genai.Content
	)
	add := func(role string, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, parts...)
			return
		}
		last = &genai.Content{Role: role, Parts: parts}
		contents = append(contents, last)
	}

	for _, turn := range req.History {
		if turn.Content == "" {
			continue
		}
		role := genai.RoleUser
		if turn.Role == session.RoleAssistant {
			role = genai.RoleModel
		}
		add(role, genai.NewPartFromText(turn.Content))
	}

	var parts []*genai.Part
	if req.Text != "" {
		parts = append(parts, genai.NewPartFromText(req.Text))
	}
	for _, b := range req.Blobs {
		parts = append(parts, genai.NewPartFromBytes(b.Data, b.MIMEType))
	}
	add(genai.RoleUser, parts...)
	return contents
}

// responseText 提取首个候选中的可见文本
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonStop && cand.FinishReason != genai.FinishReasonUnspecified {
		logger.Warn("gemini stream finished with reason %s", cand.FinishReason)
	}
	return sb.String()
}
