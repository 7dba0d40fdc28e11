package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logger"
	"talkstream/pkg/logic/offload"
	"talkstream/pkg/logic/resampler"

	"github.com/tencentcloud/tencentcloud-speech-sdk-go/asr"
	"github.com/tencentcloud/tencentcloud-speech-sdk-go/common"
)

// TencentASRConfig 腾讯云实时语音识别配置
type TencentASRConfig struct {
	AppID           string
	SecretID        string
	SecretKey       string
	EngineModelType string // 默认 16k_zh
	SliceSize       int    // 每次写入的字节数，默认 6400（200ms）
}

// TencentASR 用实时识别 SDK 转写整段语音。SDK 是阻塞的，在 offload 池中执行
type TencentASR struct {
	cfg  TencentASRConfig
	pool *offload.Pool
}

// NewTencentASR 创建一个新的语音识别器
func NewTencentASR(cfg TencentASRConfig, pool *offload.Pool) *TencentASR {
	if cfg.EngineModelType == "" {
		cfg.EngineModelType = "16k_zh"
	}
	if cfg.SliceSize <= 0 {
		cfg.SliceSize = 6400
	}
	return &TencentASR{cfg: cfg, pool: pool}
}

// Transcribe 识别一段 WAV，返回所有句子拼接的文本
func (t *TencentASR) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	pcm, err := toVoicePCM(wavData)
	if err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	return offload.Do(ctx, t.pool, func(ctx context.Context) (string, error) {
		return t.recognize(ctx, pcm)
	})
}

func (t *TencentASR) recognize(ctx context.Context, pcm []byte) (string, error) {
	listener := newASRListener()
	credential := common.NewCredential(t.cfg.SecretID, t.cfg.SecretKey)
	recognizer := asr.NewSpeechRecognizer(t.cfg.AppID, credential, t.cfg.EngineModelType, listener)
	recognizer.VoiceFormat = asr.AudioFormatPCM

	if err := recognizer.Start(); err != nil {
		return "", fmt.Errorf("%w: start recognizer: %v", ErrRecognition, err)
	}
	for off := 0; off < len(pcm); off += t.cfg.SliceSize {
		if ctx.Err() != nil {
			recognizer.Stop()
			return "", ctx.Err()
		}
		end := min(off+t.cfg.SliceSize, len(pcm))
		if err := recognizer.Write(pcm[off:end]); err != nil {
			recognizer.Stop()
			return "", fmt.Errorf("%w: write audio: %v", ErrRecognition, err)
		}
	}
	recognizer.Stop()

	select {
	case <-listener.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return listener.result()
}

// toVoicePCM 把 WAV 转成识别要求的 16kHz 单声道 PCM
func toVoicePCM(wavData []byte) ([]byte, error) {
	c, err := wav.Decode(wavData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	f := c.Format()
	pcm := c.Payload()
	if f.SampleRate == wav.VoiceSampleRate && f.NumChannels == 1 {
		return pcm, nil
	}
	r, err := resampler.NewResampler(int(f.SampleRate), wav.VoiceSampleRate, int(f.NumChannels), 1)
	if err != nil {
		return nil, err
	}
	return r.Process(pcm)
}

// asrListener 收集句子结果，识别完成或失败时关闭 done
type asrListener struct {
	mu        sync.Mutex
	sentences []string
	err       error
	once      sync.Once
	done      chan struct{}
}

func newASRListener() *asrListener {
	return &asrListener{done: make(chan struct{})}
}

func (l *asrListener) finish() {
	l.once.Do(func() { close(l.done) })
}

func (l *asrListener) result() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return strings.Join(l.sentences, ""), nil
}

func (l *asrListener) OnRecognitionStart(response *asr.SpeechRecognitionResponse) {
	logger.Debug("recognition started: voice_id=%s", response.VoiceID)
}

func (l *asrListener) OnSentenceBegin(response *asr.SpeechRecognitionResponse) {}

func (l *asrListener) OnRecognitionResultChange(response *asr.SpeechRecognitionResponse) {}

func (l *asrListener) OnSentenceEnd(response *asr.SpeechRecognitionResponse) {
	text := fmt.Sprintf("%v", response.Result.VoiceTextStr)
	logger.Debug("sentence end: voice_id=%s text=%s", response.VoiceID, text)
	l.mu.Lock()
	l.sentences = append(l.sentences, text)
	l.mu.Unlock()
}

func (l *asrListener) OnRecognitionComplete(response *asr.SpeechRecognitionResponse) {
	logger.Debug("recognition complete: voice_id=%s", response.VoiceID)
	l.finish()
}

func (l *asrListener) OnFail(response *asr.SpeechRecognitionResponse, err error) {
	if response != nil {
		logger.Error("recognition failed: voice_id=%s error=%v", response.VoiceID, err)
	}
	l.mu.Lock()
	l.err = fmt.Errorf("%w: %v", ErrRecognition, err)
	l.mu.Unlock()
	l.finish()
}
