package agent

import (
	"context"
	"fmt"
	"strings"

	"talkstream/pkg/logic/artifact"
	"talkstream/pkg/logic/tts"

	"google.golang.org/genai"
)

// SpeechArtifact 语音合成工具保存的文件名
const SpeechArtifact = "tts_output.wav"

// Tool 代理可以调用的函数工具
type Tool interface {
	Declaration() *genai.FunctionDeclaration
	Call(ctx context.Context, args map[string]any) (map[string]any, artifact.Delta, error)
}

// SpeechTool 把文本合成为语音并保存为 tts_output.wav
type SpeechTool struct {
	synth       tts.Synthesizer
	normalizer  *tts.Normalizer
	store       *artifact.Store
	voiceSample string
}

// NewSpeechTool 创建语音合成工具
func NewSpeechTool(synth tts.Synthesizer, normalizer *tts.Normalizer, store *artifact.Store, voiceSample string) *SpeechTool {
	return &SpeechTool{synth: synth, normalizer: normalizer, store: store, voiceSample: voiceSample}
}

func (s *SpeechTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "synthesize_speech",
		Description: "Reads the given text aloud and returns a WAV recording to the user. Use it when the user asks to hear something.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"text": {
					Type:        genai.TypeString,
					Description: "The text to speak.",
				},
			},
			Required: []string{"text"},
		},
	}
}

func (s *SpeechTool) Call(ctx context.Context, args map[string]any) (map[string]any, artifact.Delta, error) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("synthesize_speech: missing text")
	}

	res, err := s.synth.Synthesize(ctx, text, s.voiceSample)
	if err != nil {
		return nil, nil, err
	}
	if len(res.Items) == 0 {
		return nil, nil, fmt.Errorf("%w: no audio returned", tts.ErrSynthesis)
	}
	audio, err := s.normalizer.Normalize(ctx, res.Items[0])
	if err != nil {
		return nil, nil, err
	}

	version := s.store.Save(SpeechArtifact, "audio/wav", audio)
	result := map[string]any{
		"status":   "ok",
		"artifact": SpeechArtifact,
		"version":  version,
	}
	return result, artifact.Delta{SpeechArtifact: version}, nil
}
