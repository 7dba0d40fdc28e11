package wav

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize 标准 PCM WAV 头部长度
const HeaderSize = 44

// VoiceSampleRate 麦克风上行音频的采样率
const VoiceSampleRate = 16000

// WAVFormat WAV 格式信息
type WAVFormat struct {
	AudioFormat   uint16 // 音频格式（1 表示 PCM）
	NumChannels   uint16 // 声道数
	SampleRate    uint32 // 采样率
	ByteRate      uint32 // 字节率 = SampleRate * NumChannels * BitsPerSample/8
	BlockAlign    uint16 // 数据块对齐 = NumChannels * BitsPerSample/8
	BitsPerSample uint16 // 采样位数
}

// PCM16 返回 16 位线性 PCM 格式
func PCM16(sampleRate uint32, channels uint16) WAVFormat {
	return WAVFormat{
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(channels) * 2,
		BlockAlign:    channels * 2,
		BitsPerSample: 16,
	}
}

// VoiceFormat 上行语音的固定格式：16 kHz，单声道，16 位
func VoiceFormat() WAVFormat {
	return PCM16(VoiceSampleRate, 1)
}

// WAVHeader 44 字节 WAV 文件头
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 文件总大小 - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 格式块大小（16 字节）
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // 音频数据大小
}

// NewWAVHeader 根据格式和数据长度构造文件头
func NewWAVHeader(format WAVFormat, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     HeaderSize - 8 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   format.AudioFormat,
		NumChannels:   format.NumChannels,
		SampleRate:    format.SampleRate,
		ByteRate:      format.ByteRate,
		BlockAlign:    format.BlockAlign,
		BitsPerSample: format.BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Validate 检查格式是否为本服务可处理的 16 位 PCM
func (f *WAVFormat) Validate() error {
	if f.AudioFormat != 1 {
		return fmt.Errorf("unsupported audio format: %d (expected 1 for PCM)", f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample: %d (expected 16)", f.BitsPerSample)
	}
	if f.NumChannels == 0 {
		return fmt.Errorf("invalid channel count: 0")
	}
	if f.ByteRate != f.SampleRate*uint32(f.NumChannels)*uint32(f.BitsPerSample)/8 {
		return fmt.Errorf("invalid byte rate")
	}
	if f.BlockAlign != f.NumChannels*f.BitsPerSample/8 {
		return fmt.Errorf("invalid block align")
	}
	return nil
}

// Write 以小端序写出文件头
func (h *WAVHeader) Write(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// Read 从 reader 读取文件头
func (h *WAVHeader) Read(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, h)
}

// GetFormat 从文件头提取格式
func (h *WAVHeader) GetFormat() WAVFormat {
	return WAVFormat{
		AudioFormat:   h.AudioFormat,
		NumChannels:   h.NumChannels,
		SampleRate:    h.SampleRate,
		ByteRate:      h.ByteRate,
		BlockAlign:    h.BlockAlign,
		BitsPerSample: h.BitsPerSample,
	}
}
