package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"talkstream/pkg/logger"
	"talkstream/pkg/logic/agent"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/session"
	"talkstream/pkg/server/connection"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultChatUser = "default"

// 代理可以直接处理的上传类型
var (
	supportedExact    = []string{"application/pdf", "text/plain"}
	supportedPrefixes = []string{"image/", "audio/", "video/"}
)

// SupportedMIME 上传文件类型是否在允许列表中
func SupportedMIME(mimeType string) bool {
	for _, m := range supportedExact {
		if mimeType == m {
			return true
		}
	}
	for _, p := range supportedPrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

// ChatResponse /api/chat 的响应
type ChatResponse struct {
	Text  string  `json:"text"`
	Audio *string `json:"audio"`
	Image *string `json:"image"`
}

// HandleChat 非流式对话：文本与附件交给代理，回复中附带代理生成的音频或图片地址
func (s *Server) HandleChat(c *gin.Context) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			logger.With(zap.Any("panic", r), zap.Stack("stack")).Error("chat handler panicked")
			outcome = "panic"
			c.JSON(http.StatusOK, ChatResponse{Text: s.config.Messages.Error})
		}
		s.deps.Metrics.ChatHandled(outcome, time.Since(start))
	}()

	userKey := c.PostForm("user_id")
	if userKey == "" {
		userKey = defaultChatUser
	}
	text := strings.TrimSpace(c.PostForm("text"))

	files, unsupported, err := readUploads(c)
	if err != nil {
		outcome = "bad_request"
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if unsupported != "" {
		outcome = "unsupported"
		logger.Info("chat upload rejected: user=%s mime=%s", userKey, unsupported)
		c.JSON(http.StatusOK, ChatResponse{Text: fmt.Sprintf(s.config.Messages.UnsupportedFormat, unsupported)})
		return
	}
	if text == "" && len(files) == 0 {
		outcome = "bad_request"
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or files required"})
		return
	}

	reply, err := s.deps.Agent.Run(c.Request.Context(), agent.Request{
		UserKey:   userKey,
		SessionID: s.deps.Sessions.GetOrCreate(userKey),
		History:   s.deps.Sessions.History(userKey),
		Text:      text,
		Files:     files,
	})

	resp := ChatResponse{Text: reply.Text}
	switch {
	case errors.Is(err, agent.ErrTimeout):
		outcome = "timeout"
		logger.Warn("chat timed out: user=%s err=%v", userKey, err)
		resp.Text = s.config.Messages.NoAnswer
	case err != nil:
		outcome = "error"
		logger.Error("chat failed: user=%s err=%v", userKey, err)
		resp.Text = s.config.Messages.Error
	default:
		var speech []byte
		resp.Audio, resp.Image, speech = s.artifactURLs(reply.Delta)
		if speech != nil {
			s.pushSpeech(userKey, speech)
		}
		if resp.Text == "" && resp.Audio == nil && resp.Image == nil {
			outcome = "empty"
			resp.Text = s.config.Messages.NoAnswer
		}
	}

	userTurn := text
	if userTurn == "" {
		userTurn = fmt.Sprintf("[%d file(s)]", len(files))
	}
	s.deps.Sessions.AppendTurn(userKey, session.RoleUser, userTurn)
	s.deps.Sessions.AppendTurn(userKey, session.RoleAssistant, resp.Text)

	c.JSON(http.StatusOK, resp)
}

// pushSpeech 用户同时开着语音连接时，把代理合成的语音也推给该连接
func (s *Server) pushSpeech(userKey string, audio []byte) {
	conn, ok := s.connections.Lookup(userKey)
	if !ok {
		return
	}
	sink, ok := conn.(connection.AudioSink)
	if !ok {
		return
	}
	if err := sink.PushAudio(audio); err != nil {
		logger.Warn("speech not pushed to voice connection: user=%s err=%v", userKey, err)
		return
	}
	logger.Debug("speech pushed to voice connection: user=%s bytes=%d", userKey, len(audio))
}

// artifactURLs 在本次新增的文件中找出音频与图片，同时返回音频内容
func (s *Server) artifactURLs(delta map[string]int) (audio, image *string, speech []byte) {
	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a, err := s.deps.Artifacts.Load(name, delta[name])
		if err != nil {
			logger.Warn("artifact missing: %v", err)
			continue
		}
		link := "/api/files/" + url.PathEscape(name)
		switch {
		case a.IsAudio() && audio == nil:
			audio = &link
			speech = a.Data
		case a.IsImage() && image == nil:
			image = &link
		}
	}
	return audio, image, speech
}

// readUploads 读取 files 字段中的所有文件。遇到不支持的类型时返回该类型
func readUploads(c *gin.Context) ([]llm.Blob, string, error) {
	form, err := c.MultipartForm()
	if errors.Is(err, http.ErrNotMultipart) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("invalid multipart form: %w", err)
	}

	var blobs []llm.Blob
	for _, fh := range form.File["files"] {
		data, err := readFile(fh)
		if err != nil {
			return nil, "", err
		}
		mimeType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
		if !SupportedMIME(mimeType) {
			return nil, mimeType, nil
		}
		blobs = append(blobs, llm.Blob{MIMEType: mimeType, Data: data})
	}
	return blobs, "", nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// HandleHistory 返回用户的对话历史
func (s *Server) HandleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.deps.Sessions.History(chatUser(c))})
}

// HandleClearHistory 清空用户的对话历史
func (s *Server) HandleClearHistory(c *gin.Context) {
	s.deps.Sessions.ClearHistory(chatUser(c))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func chatUser(c *gin.Context) string {
	if user := c.Query("user_id"); user != "" {
		return user
	}
	return defaultChatUser
}
