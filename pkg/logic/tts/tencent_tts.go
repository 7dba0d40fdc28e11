package tts

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"talkstream/pkg/logger"
	"talkstream/pkg/logic/offload"

	"github.com/google/uuid"
	"github.com/tencentcloud/tencentcloud-speech-sdk-go/common"
	"github.com/tencentcloud/tencentcloud-speech-sdk-go/tts"
)

// TencentConfig 腾讯云语音合成配置
type TencentConfig struct {
	AppID     string
	SecretID  string
	SecretKey string
	VoiceType int64
	Codec     string
}

// TencentTTS 基于腾讯云 websocket 合成 SDK。SDK 调用是阻塞的，在 offload 池中执行
type TencentTTS struct {
	appID     int64
	secretID  string
	secretKey string
	voiceType int64
	codec     string
	pool      *offload.Pool
}

// NewTencentTTS 创建一个新的语音合成器
func NewTencentTTS(cfg TencentConfig, pool *offload.Pool) (*TencentTTS, error) {
	appID, err := strconv.ParseInt(cfg.AppID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse tencent app id %q: %w", cfg.AppID, err)
	}
	codec := cfg.Codec
	if codec == "" {
		codec = "pcm"
	}
	return &TencentTTS{
		appID:     appID,
		secretID:  cfg.SecretID,
		secretKey: cfg.SecretKey,
		voiceType: cfg.VoiceType,
		codec:     codec,
		pool:      pool,
	}, nil
}

// Synthesize 合成整段文本，pcm 编码时返回无文件头的 16kHz PCM。该后端不支持参考音频
func (t *TencentTTS) Synthesize(ctx context.Context, text, voiceSample string) (Result, error) {
	if voiceSample != "" {
		logger.Debug("tencent tts ignores voice sample %s", voiceSample)
	}
	data, err := offload.Do(ctx, t.pool, func(ctx context.Context) ([]byte, error) {
		return t.synthesize(text)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Items: []Item{BytesItem(data)}}, nil
}

func (t *TencentTTS) synthesize(text string) ([]byte, error) {
	// 每次处理文本都创建新的 synthesizer
	listener := &ttsSynthesisListener{sessionID: uuid.NewString()}

	credential := common.NewCredential(t.secretID, t.secretKey)
	synthesizer := tts.NewSpeechWsSynthesizer(t.appID, credential, listener)
	synthesizer.SessionId = listener.sessionID
	synthesizer.VoiceType = t.voiceType
	synthesizer.Codec = t.codec
	synthesizer.Text = text

	// 开始合成
	if err := synthesizer.Synthesis(); err != nil {
		return nil, fmt.Errorf("%w: tencent synthesis: %w", ErrTransient, err)
	}
	// 等待合成完成
	synthesizer.Wait()
	synthesizer.CloseConn()

	return listener.result()
}

// ttsSynthesisListener 实现语音合成监听器
type ttsSynthesisListener struct {
	sessionID string

	mu   sync.Mutex
	data []byte
	err  error
}

func (l *ttsSynthesisListener) result() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if len(l.data) == 0 {
		return nil, fmt.Errorf("%w: tencent returned no audio", ErrSynthesis)
	}
	return l.data, nil
}

// OnSynthesisStart 合成开始回调
func (l *ttsSynthesisListener) OnSynthesisStart(r *tts.SpeechWsSynthesisResponse) {
	logger.Debug("Synthesis started: sessionId=%s", l.sessionID)
}

// OnSynthesisEnd 合成结束回调
func (l *ttsSynthesisListener) OnSynthesisEnd(r *tts.SpeechWsSynthesisResponse) {
	logger.Debug("Synthesis ended: sessionId=%s", l.sessionID)
}

// OnAudioResult 音频数据回调
func (l *ttsSynthesisListener) OnAudioResult(data []byte) {
	l.mu.Lock()
	l.data = append(l.data, data...)
	l.mu.Unlock()
}

// OnTextResult 文本处理结果回调
func (l *ttsSynthesisListener) OnTextResult(r *tts.SpeechWsSynthesisResponse) {
}

// OnSynthesisFail 合成失败回调
func (l *ttsSynthesisListener) OnSynthesisFail(r *tts.SpeechWsSynthesisResponse, err error) {
	logger.Warn("Synthesis failed: sessionId=%s, error=%v", l.sessionID, err)
	l.mu.Lock()
	l.err = fmt.Errorf("%w: tencent: %w", ErrSynthesis, err)
	l.mu.Unlock()
}
