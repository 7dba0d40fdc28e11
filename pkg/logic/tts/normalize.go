package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logic/resampler"
)

// Normalizer 把任意形式的合成结果转换为可独立解码的 WAV 字节
type Normalizer struct {
	PCMSampleRate    int // 无文件头 PCM 的采样率
	OutputSampleRate int // 0 表示保持原采样率
	Client           *http.Client
}

// NewNormalizer 创建转换器，pcmSampleRate <= 0 时按 16000 处理
func NewNormalizer(pcmSampleRate, outputSampleRate int) *Normalizer {
	if pcmSampleRate <= 0 {
		pcmSampleRate = wav.VoiceSampleRate
	}
	return &Normalizer{
		PCMSampleRate:    pcmSampleRate,
		OutputSampleRate: outputSampleRate,
		Client:           http.DefaultClient,
	}
}

// Normalize 读取 item 并返回一段完整的 WAV
func (n *Normalizer) Normalize(ctx context.Context, item Item) ([]byte, error) {
	raw, err := n.load(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty %s audio", ErrSynthesis, item.Kind)
	}

	if !wav.IsWAV(raw) {
		// 无文件头的 16 位单声道 PCM
		return n.wrapPCM(raw, uint32(n.PCMSampleRate), 1)
	}
	if n.OutputSampleRate <= 0 {
		return raw, nil
	}

	c, err := wav.Decode(raw)
	if err != nil {
		return raw, nil
	}
	format := c.Format()
	if format.Validate() != nil || int(format.SampleRate) == n.OutputSampleRate {
		return raw, nil
	}
	return n.wrapPCM(c.Payload(), format.SampleRate, format.NumChannels)
}

func (n *Normalizer) wrapPCM(pcm []byte, rate uint32, channels uint16) ([]byte, error) {
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	if n.OutputSampleRate > 0 && int(rate) != n.OutputSampleRate {
		r, err := resampler.NewResampler(int(rate), n.OutputSampleRate, int(channels), int(channels))
		if err != nil {
			return nil, err
		}
		if pcm, err = r.Process(pcm); err != nil {
			return nil, err
		}
		rate = uint32(n.OutputSampleRate)
	}
	return wav.NewContainer(wav.PCM16(rate, channels), pcm).Bytes(), nil
}

func (n *Normalizer) load(ctx context.Context, item Item) ([]byte, error) {
	switch item.Kind {
	case ItemBytes:
		return item.Data, nil
	case ItemPath:
		data, err := os.ReadFile(item.Path)
		if err != nil {
			return nil, fmt.Errorf("read synthesized file: %w", err)
		}
		return data, nil
	case ItemBase64:
		return decodeBase64(item.Base64)
	case ItemURL:
		return n.download(ctx, item)
	default:
		return nil, fmt.Errorf("%w: unknown item kind %s", ErrSynthesis, item.Kind)
	}
}

// decodeBase64 同时接受裸 base64 与 data URL
func decodeBase64(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if _, after, ok := strings.Cut(encoded, ","); ok {
			encoded = after
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, &DecodeError{Source: "base64 audio", Err: err}
	}
	return data, nil
}

func (n *Normalizer) download(ctx context.Context, item Item) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	for k, vs := range item.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download audio: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: download audio: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download audio: status %d", ErrSynthesis, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio body: %w", ErrTransient, err)
	}
	return data, nil
}
