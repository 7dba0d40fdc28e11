package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"talkstream/pkg/logger"
	"talkstream/pkg/logic/llm"
)

// ErrRecognition 识别服务返回失败
var ErrRecognition = errors.New("speech recognition failed")

// Transcriber 把一段完整的 WAV 语音转写为文本
type Transcriber interface {
	Transcribe(ctx context.Context, wavData []byte) (string, error)
}

// TranscribingGenerator 在纯文本生成后端之前先把音频附件转写为文本。
// 非音频附件原样保留
type TranscribingGenerator struct {
	transcriber Transcriber
	next        llm.Generator
}

// NewTranscribingGenerator 包装 next
func NewTranscribingGenerator(t Transcriber, next llm.Generator) *TranscribingGenerator {
	return &TranscribingGenerator{transcriber: t, next: next}
}

func (g *TranscribingGenerator) Generate(ctx context.Context, req llm.Request) (llm.Stream, error) {
	var (
		texts []string
		kept  []llm.Blob
	)
	if req.Text != "" {
		texts = append(texts, req.Text)
	}
	for _, b := range req.Blobs {
		if !strings.HasPrefix(b.MIMEType, "audio/") {
			kept = append(kept, b)
			continue
		}
		text, err := g.transcriber.Transcribe(ctx, b.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", llm.ErrTransient, err)
		}
		logger.Debug("utterance transcribed: %q", text)
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}

	req.Text = strings.Join(texts, "\n")
	req.Blobs = kept
	if req.Text == "" && len(req.Blobs) == 0 {
		// 没有识别出内容
		return llm.NewStaticStream(nil, nil), nil
	}
	return g.next.Generate(ctx, req)
}
