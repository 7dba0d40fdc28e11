package wav

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceContainer(t *testing.T) {
	payload := append(bytes.Repeat([]byte{0x01, 0x02}, 160), bytes.Repeat([]byte{0x03, 0x04}, 320)...)
	c := NewVoiceContainer(payload)
	data := c.Bytes()

	require.Len(t, data, 1004)
	assert.Equal(t, 1004, c.Len())
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(996), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "fmt ", string(data[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(data[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(data[28:32]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(data[34:36]))
	assert.Equal(t, "data", string(data[36:40]))
	assert.Equal(t, uint32(960), binary.LittleEndian.Uint32(data[40:44]))
	assert.Equal(t, payload, data[44:])
}

func TestContainerIsImmutable(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	c := NewVoiceContainer(payload)
	payload[0] = 9

	assert.Equal(t, byte(1), c.Bytes()[HeaderSize])
	got := c.Payload()
	got[1] = 9
	assert.Equal(t, byte(2), c.Bytes()[HeaderSize+1])
}

func TestDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0x10, 0x20}, 50)
		c, err := Decode(NewContainer(PCM16(24000, 1), payload).Bytes())
		require.NoError(t, err)
		assert.Equal(t, uint32(24000), c.Format().SampleRate)
		assert.Equal(t, payload, c.Payload())
	})

	t.Run("not wav", func(t *testing.T) {
		_, err := Decode([]byte("definitely not audio"))
		assert.Error(t, err)
		assert.False(t, IsWAV([]byte{0, 1}))
	})

	t.Run("overstated data size", func(t *testing.T) {
		data := NewVoiceContainer([]byte{1, 2, 3, 4}).Bytes()
		binary.LittleEndian.PutUint32(data[40:44], 4096)
		c, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, c.Payload())
	})

	t.Run("streaming data size", func(t *testing.T) {
		data := NewVoiceContainer(make([]byte, 320)).Bytes()
		binary.LittleEndian.PutUint32(data[40:44], 0xFFFFFFFF)

		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		c, err := Decode(data)
		runtime.ReadMemStats(&after)

		require.NoError(t, err)
		assert.Len(t, c.Payload(), 320)
		assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
	})
}

func TestWAVReadWrite(t *testing.T) {
	format := PCM16(48000, 2)

	samples := make([]int16, 48000)
	for i := range samples {
		samples[i] = int16(i % 32768)
	}

	t.Run("file", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.wav")

		writer, err := NewFileWriter(filename, format)
		require.NoError(t, err)
		require.NoError(t, writer.WriteSamples(samples))
		require.NoError(t, writer.Close())

		file, err := os.Open(filename)
		require.NoError(t, err)
		defer file.Close()

		reader, err := NewReader(file)
		require.NoError(t, err)
		assert.Equal(t, format, reader.GetFormat())
		assert.Equal(t, uint32(len(samples)*2), reader.GetDataSize())

		got := make([]int16, len(samples))
		n, err := reader.ReadSamples(got)
		require.NoError(t, err)
		assert.Equal(t, len(samples), n)
		assert.Equal(t, samples, got)
	})

	t.Run("memory", func(t *testing.T) {
		buf := &memFile{}
		writer, err := NewWriter(buf, format)
		require.NoError(t, err)
		require.NoError(t, writer.WriteSamples(samples[:100]))
		require.NoError(t, writer.Close())

		reader, err := NewReader(bytes.NewReader(buf.data))
		require.NoError(t, err)

		got := make([]int16, 200)
		n, err := reader.ReadSamples(got)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 100, n)
		assert.Equal(t, samples[:100], got[:n])
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := NewWriter(&memFile{}, WAVFormat{AudioFormat: 3, BitsPerSample: 32})
		assert.Error(t, err)
	})
}

// memFile 内存中的 io.WriteSeeker
type memFile struct {
	data []byte
	pos  int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	}
	if abs < 0 {
		return 0, os.ErrInvalid
	}
	m.pos = int(abs)
	return abs, nil
}
