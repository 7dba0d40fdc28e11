package wav

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader 按 chunk 解析 WAV 数据，支持 fmt/data 以外的扩展块
type Reader struct {
	reader     io.ReadSeeker
	format     WAVFormat
	dataOffset int64
	dataSize   uint32
}

// NewReader 解析头部并把读取位置定位到 data 块起点
func NewReader(reader io.ReadSeeker) (*Reader, error) {
	r := &Reader{reader: reader}
	if err := r.parse(); err != nil {
		return nil, fmt.Errorf("failed to parse WAV: %w", err)
	}
	return r, nil
}

func (r *Reader) parse() error {
	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r.reader, binary.LittleEndian, &riff); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" {
		return fmt.Errorf("not a RIFF file")
	}
	if string(riff.Wave[:]) != "WAVE" {
		return fmt.Errorf("not a WAVE file")
	}

	var foundFmt, foundData bool
	for !foundFmt || !foundData {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r.reader, binary.LittleEndian, &chunk); err != nil {
			return fmt.Errorf("failed to read chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if err := binary.Read(r.reader, binary.LittleEndian, &r.format); err != nil {
				return fmt.Errorf("failed to read format chunk: %w", err)
			}
			foundFmt = true
			if extra := int64(chunk.Size) - int64(binary.Size(r.format)); extra > 0 {
				if _, err := r.reader.Seek(extra, io.SeekCurrent); err != nil {
					return fmt.Errorf("failed to skip format extension: %w", err)
				}
			}
		case "data":
			offset, err := r.reader.Seek(0, io.SeekCurrent)
			if err != nil {
				return fmt.Errorf("failed to get data offset: %w", err)
			}
			r.dataOffset = offset
			r.dataSize = chunk.Size
			foundData = true
			if !foundFmt {
				if _, err := r.reader.Seek(int64(chunk.Size), io.SeekCurrent); err != nil {
					return fmt.Errorf("failed to skip data chunk: %w", err)
				}
			}
		default:
			if _, err := r.reader.Seek(int64(chunk.Size), io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to skip %q chunk: %w", chunk.ID[:], err)
			}
		}
	}

	if err := r.format.Validate(); err != nil {
		return fmt.Errorf("invalid WAV format: %w", err)
	}
	if _, err := r.reader.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data start: %w", err)
	}
	return nil
}

// ReadSamples 读取 16 位采样点，返回实际读到的数量
func (r *Reader) ReadSamples(samples []int16) (int, error) {
	raw := make([]byte, len(samples)*2)
	n, err := io.ReadFull(r.reader, raw)
	count := n / 2
	for i := 0; i < count; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	switch err {
	case nil:
		return count, nil
	case io.ErrUnexpectedEOF, io.EOF:
		return count, io.EOF
	default:
		return count, fmt.Errorf("failed to read samples: %w", err)
	}
}

// GetFormat 获取格式信息
func (r *Reader) GetFormat() WAVFormat {
	return r.format
}

// GetDataSize 获取 data 块声明的长度
func (r *Reader) GetDataSize() uint32 {
	return r.dataSize
}
