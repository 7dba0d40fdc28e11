package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer 流式写入 WAV，Close 时回填头部长度
type Writer struct {
	writer   io.WriteSeeker
	header   WAVHeader
	format   WAVFormat
	dataSize uint32
}

// NewWriter 创建写入器并写出占位头部
func NewWriter(writer io.WriteSeeker, format WAVFormat) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WAV format: %w", err)
	}

	w := &Writer{
		writer: writer,
		format: format,
		header: NewWAVHeader(format, 0),
	}
	if err := w.header.Write(w.writer); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return w, nil
}

// NewFileWriter 创建文件并返回写入器
func NewFileWriter(filename string, format WAVFormat) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	writer, err := NewWriter(file, format)
	if err != nil {
		file.Close()
		return nil, err
	}
	return writer, nil
}

// WriteSamples 写入 16 位采样点
func (w *Writer) WriteSamples(samples []int16) error {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return w.WritePCM(raw)
}

// WritePCM 写入小端序 PCM 字节
func (w *Writer) WritePCM(pcm []byte) error {
	n, err := w.writer.Write(pcm)
	w.dataSize += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

// Close 回填头部并关闭底层 writer
func (w *Writer) Close() error {
	w.header = NewWAVHeader(w.format, w.dataSize)
	if _, err := w.writer.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	if err := w.header.Write(w.writer); err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}
	if closer, ok := w.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// GetDataSize 已写入的数据长度
func (w *Writer) GetDataSize() uint32 {
	return w.dataSize
}

// GetFormat 格式信息
func (w *Writer) GetFormat() WAVFormat {
	return w.format
}
