package dumper

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logger"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// WAVDumper 把定稿的用户语音写成 WAV 文件，便于离线排查
// ffplay dump/voice_user_20240101T120000_1.wav
type WAVDumper struct {
	dir string
	now func() time.Time
}

// NewWAVDumper 创建转储器，dir 为空时返回 nil（不转储）
func NewWAVDumper(dir string) (*WAVDumper, error) {
	if dir == "" {
		return nil, nil
	}
	// 确保目录存在
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %v", err)
	}
	return &WAVDumper{dir: dir, now: time.Now}, nil
}

// Dump 写出一段语音，返回文件路径。nil 转储器直接返回
func (d *WAVDumper) Dump(userKey string, turn int64, c *wav.Container) (string, error) {
	if d == nil || c == nil {
		return "", nil
	}
	name := fmt.Sprintf("%s_%s_%d.wav", unsafeChars.ReplaceAllString(userKey, "_"), d.now().Format("20060102T150405"), turn)
	fileName := filepath.Join(d.dir, name)

	writer, err := wav.NewFileWriter(fileName, c.Format())
	if err != nil {
		return "", err
	}
	if err := writer.WritePCM(c.Payload()); err != nil {
		writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	logger.Debug("dumped utterance: file=%s bytes=%d", fileName, writer.GetDataSize())
	return fileName, nil
}
