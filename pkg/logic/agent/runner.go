package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talkstream/pkg/logger"
	"talkstream/pkg/logic/artifact"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/offload"
	"talkstream/pkg/logic/session"

	"google.golang.org/genai"
)

var (
	// ErrTimeout 超过 agent.timeout 仍未得到回复
	ErrTimeout = errors.New("agent timed out")
	// ErrTooManySteps 工具调用轮数超过上限
	ErrTooManySteps = errors.New("agent exceeded tool call steps")
)

// Request 一次非流式对话请求
type Request struct {
	UserKey   string
	SessionID string
	History   []session.Turn
	Text      string
	Files     []llm.Blob
}

// Reply 回复文本以及本次调用产生的文件版本
type Reply struct {
	Text  string
	Delta artifact.Delta
}

// Runner 非流式的对话代理
type Runner interface {
	Run(ctx context.Context, req Request) (Reply, error)
}

// Options GeminiRunner 配置
type Options struct {
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	MaxSteps     int
	Pool         *offload.Pool
	Tools        []Tool
}

// GeminiRunner 基于 genai 的工具调用循环
type GeminiRunner struct {
	client *genai.Client
	opts   Options
	tools  map[string]Tool
}

// NewGeminiRunner 创建代理
func NewGeminiRunner(client *genai.Client, opts Options) *GeminiRunner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 5
	}
	if opts.Pool == nil {
		opts.Pool = offload.NewPool(1)
	}
	tools := make(map[string]Tool, len(opts.Tools))
	for _, t := range opts.Tools {
		tools[t.Declaration().Name] = t
	}
	return &GeminiRunner{client: client, opts: opts, tools: tools}
}

// Run 执行一次对话。超时返回 ErrTimeout
func (r *GeminiRunner) Run(ctx context.Context, req Request) (Reply, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	reply, err := r.run(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return reply, fmt.Errorf("%w after %s", ErrTimeout, r.opts.Timeout)
	}
	return reply, err
}

func (r *GeminiRunner) run(ctx context.Context, req Request) (Reply, error) {
	contents := llm.BuildContents(llm.Request{
		History: req.History,
		Text:    req.Text,
		Blobs:   req.Files,
	})
	cfg := llm.BuildConfig(llm.Request{SystemPrompt: r.opts.SystemPrompt})
	if len(r.tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(r.tools))
		for _, t := range r.opts.Tools {
			decls = append(decls, t.Declaration())
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	reply := Reply{Delta: artifact.Delta{}}
	for step := 0; step < r.opts.MaxSteps; step++ {
		resp, err := offload.Do(ctx, r.opts.Pool, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
			return r.client.Models.GenerateContent(ctx, r.opts.Model, contents, cfg)
		})
		if err != nil {
			return reply, fmt.Errorf("%w: agent: %w", llm.ErrTransient, err)
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			reply.Text = resp.Text()
			return reply, nil
		}

		contents = append(contents, resp.Candidates[0].Content)
		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			result := r.callTool(ctx, req, call, reply.Delta)
			part := genai.NewPartFromFunctionResponse(call.Name, result)
			part.FunctionResponse.ID = call.ID
			parts = append(parts, part)
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return reply, ErrTooManySteps
}

// callTool 执行一次工具调用，失败以结果的形式交还给模型
func (r *GeminiRunner) callTool(ctx context.Context, req Request, call *genai.FunctionCall, delta artifact.Delta) map[string]any {
	tool, ok := r.tools[call.Name]
	if !ok {
		logger.Warn("agent requested unknown tool %s", call.Name)
		return map[string]any{"status": "error", "message": "unknown tool " + call.Name}
	}

	logger.Info("agent tool call: user=%s tool=%s", req.UserKey, call.Name)
	result, produced, err := tool.Call(ctx, call.Args)
	if err != nil {
		logger.Warn("agent tool %s failed: %v", call.Name, err)
		return map[string]any{"status": "error", "message": err.Error()}
	}
	for name, version := range produced {
		delta[name] = version
	}
	return result
}
