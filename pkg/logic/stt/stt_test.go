package stt

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"

	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/offload"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := godotenv.Load("../../../.env.test"); err != nil {
		log.Printf("Error loading .env.test file: %v", err)
	}
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

type recordGenerator struct {
	reqs []llm.Request
}

func (g *recordGenerator) Generate(ctx context.Context, req llm.Request) (llm.Stream, error) {
	g.reqs = append(g.reqs, req)
	return llm.NewStaticStream([]string{"ok"}, nil), nil
}

func voiceBlob() llm.Blob {
	return llm.Blob{MIMEType: "audio/wav", Data: wav.NewVoiceContainer(make([]byte, 640)).Bytes()}
}

func TestTranscribingGeneratorReplacesAudio(t *testing.T) {
	tr := &fakeTranscriber{text: " what time is it "}
	next := &recordGenerator{}
	g := NewTranscribingGenerator(tr, next)

	image := llm.Blob{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	stream, err := g.Generate(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		Blobs:        []llm.Blob{voiceBlob(), image},
	})
	require.NoError(t, err)
	defer stream.Close()

	require.Len(t, next.reqs, 1)
	req := next.reqs[0]
	assert.Equal(t, "what time is it", req.Text)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, []llm.Blob{image}, req.Blobs)
	assert.Equal(t, 1, tr.calls)
}

func TestTranscribingGeneratorKeepsText(t *testing.T) {
	next := &recordGenerator{}
	g := NewTranscribingGenerator(&fakeTranscriber{text: "and this"}, next)

	_, err := g.Generate(context.Background(), llm.Request{Text: "typed", Blobs: []llm.Blob{voiceBlob()}})
	require.NoError(t, err)
	assert.Equal(t, "typed\nand this", next.reqs[0].Text)
}

func TestTranscribingGeneratorSilence(t *testing.T) {
	next := &recordGenerator{}
	g := NewTranscribingGenerator(&fakeTranscriber{text: "  "}, next)

	stream, err := g.Generate(context.Background(), llm.Request{Blobs: []llm.Blob{voiceBlob()}})
	require.NoError(t, err)
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
	assert.Empty(t, next.reqs)
}

func TestTranscribingGeneratorError(t *testing.T) {
	next := &recordGenerator{}
	g := NewTranscribingGenerator(&fakeTranscriber{err: ErrRecognition}, next)

	_, err := g.Generate(context.Background(), llm.Request{Blobs: []llm.Blob{voiceBlob()}})
	assert.ErrorIs(t, err, llm.ErrTransient)
	assert.ErrorIs(t, err, ErrRecognition)
	assert.Empty(t, next.reqs)
}

func TestToVoicePCM(t *testing.T) {
	pcm, err := toVoicePCM(wav.NewVoiceContainer(make([]byte, 640)).Bytes())
	require.NoError(t, err)
	assert.Len(t, pcm, 640)

	// 48kHz 立体声 100ms -> 16kHz 单声道约 3200 字节
	stereo := wav.NewContainer(wav.PCM16(48000, 2), make([]byte, 48000*2*2/10)).Bytes()
	pcm, err = toVoicePCM(stereo)
	require.NoError(t, err)
	assert.InDelta(t, 3200, len(pcm), 200)

	_, err = toVoicePCM([]byte("not a wav"))
	assert.ErrorIs(t, err, ErrRecognition)
}

func TestASRListenerFail(t *testing.T) {
	l := newASRListener()
	l.OnFail(nil, errors.New("auth failed"))
	l.OnFail(nil, errors.New("again"))

	<-l.done
	_, err := l.result()
	assert.ErrorIs(t, err, ErrRecognition)
}

func TestTencentASRLive(t *testing.T) {
	appID := os.Getenv("TENCENTASR_APP_ID")
	secretID := os.Getenv("TENCENTASR_SECRET_ID")
	secretKey := os.Getenv("TENCENTASR_SECRET_KEY")
	if appID == "" || secretID == "" || secretKey == "" {
		t.Skip("Tencent credentials not set in environment variables")
	}

	asr := NewTencentASR(TencentASRConfig{AppID: appID, SecretID: secretID, SecretKey: secretKey}, offload.NewPool(1))
	// 一秒静音，识别结果应为空且无错误
	text, err := asr.Transcribe(context.Background(), wav.NewVoiceContainer(make([]byte, 32000)).Bytes())
	require.NoError(t, err)
	assert.Empty(t, text)
}
