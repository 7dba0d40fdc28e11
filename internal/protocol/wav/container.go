package wav

import (
	"bytes"
	"fmt"
	"io"
)

// Container 一段完整、自描述的 WAV 音频（头部 + 负载）。构造后不可变。
type Container struct {
	Header  WAVHeader
	payload []byte
}

// NewContainer 复制 payload 并生成对应的文件头
func NewContainer(format WAVFormat, payload []byte) *Container {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Container{
		Header:  NewWAVHeader(format, uint32(len(data))),
		payload: data,
	}
}

// NewVoiceContainer 以上行语音格式封装 payload
func NewVoiceContainer(payload []byte) *Container {
	return NewContainer(VoiceFormat(), payload)
}

// Payload 返回 PCM 负载的副本
func (c *Container) Payload() []byte {
	out := make([]byte, len(c.payload))
	copy(out, c.payload)
	return out
}

// Len 容器序列化后的总长度
func (c *Container) Len() int {
	return HeaderSize + len(c.payload)
}

// Format 容器的音频格式
func (c *Container) Format() WAVFormat {
	return c.Header.GetFormat()
}

// Bytes 序列化为 WAV 字节流
func (c *Container) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, c.Len()))
	// bytes.Buffer 的写入不会失败
	_ = c.Header.Write(buf)
	buf.Write(c.payload)
	return buf.Bytes()
}

// IsWAV 判断数据是否以 RIFF/WAVE 标识开头
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Decode 解析一段内存中的 WAV 数据
func Decode(data []byte) (*Container, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("not a WAV stream")
	}
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	payload, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Container{
		Header:  NewWAVHeader(r.GetFormat(), uint32(len(payload))),
		payload: payload,
	}, nil
}

// ReadAll 读取剩余的全部 PCM 数据
func (r *Reader) ReadAll() ([]byte, error) {
	if _, err := r.reader.Seek(r.dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to data start: %w", err)
	}
	// 流式编码器常把 data 长度写成 0xFFFFFFFF，以实际读到的为准
	payload, err := io.ReadAll(io.LimitReader(r.reader, int64(r.dataSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to read data chunk: %w", err)
	}
	return payload, nil
}
