package resampler

import (
	"bytes"
	"fmt"

	"github.com/zaf/resample"
)

// Resampler 16bit 小端 PCM 的采样率与声道转换
type Resampler struct {
	sampleRateIn  int
	sampleRateOut int
	channelsIn    int
	channelsOut   int
}

// NewResampler 创建重采样器，只支持单声道与双声道之间的转换
func NewResampler(sampleRateIn, sampleRateOut, channelsIn, channelsOut int) (*Resampler, error) {
	if sampleRateIn <= 0 || sampleRateOut <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d", sampleRateIn, sampleRateOut)
	}
	if channelsIn < 1 || channelsIn > 2 || channelsOut < 1 || channelsOut > 2 {
		return nil, fmt.Errorf("unsupported channels %d -> %d", channelsIn, channelsOut)
	}
	return &Resampler{
		sampleRateIn:  sampleRateIn,
		sampleRateOut: sampleRateOut,
		channelsIn:    channelsIn,
		channelsOut:   channelsOut,
	}, nil
}

// Process 转换一段完整的 PCM。奇数长度的最后一个字节会被丢弃
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	samples := BytesToSamples(pcm)
	if len(samples) == 0 {
		return nil, nil
	}

	converted := r.convertChannels(samples)
	audioBytes := SamplesToBytes(converted)
	if r.sampleRateIn == r.sampleRateOut {
		return audioBytes, nil
	}

	var buffer bytes.Buffer
	res, err := resample.New(
		&buffer,
		float64(r.sampleRateIn),
		float64(r.sampleRateOut),
		r.channelsOut,
		resample.I16,
		resample.HighQ, // 使用高质量重采样
	)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := res.Write(audioBytes); err != nil {
		res.Close()
		return nil, fmt.Errorf("resample: %w", err)
	}
	// Close 会冲刷内部缓冲
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}
	return buffer.Bytes(), nil
}

func (r *Resampler) convertChannels(samples []int16) []int16 {
	switch {
	case r.channelsIn > r.channelsOut:
		// 立体声转单声道
		out := make([]int16, len(samples)/2)
		for i := 0; i+1 < len(samples); i += 2 {
			mixed := (float64(samples[i]) + float64(samples[i+1])) * 0.5
			if mixed > 32767.0 {
				mixed = 32767.0
			} else if mixed < -32768.0 {
				mixed = -32768.0
			}
			out[i/2] = int16(mixed)
		}
		return out
	case r.channelsIn < r.channelsOut:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[i*2] = s
			out[i*2+1] = s
		}
		return out
	default:
		return samples
	}
}

// BytesToSamples 小端字节转 int16 采样
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes int16 采样转小端字节
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}
