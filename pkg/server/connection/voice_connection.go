package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"talkstream/internal/config"
	"talkstream/internal/protocol/voice"
	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logger"
	"talkstream/pkg/logic/dumper"
	"talkstream/pkg/logic/egress"
	"talkstream/pkg/logic/ingress"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/pipeline"
	"talkstream/pkg/logic/session"
	"talkstream/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// VoiceTurnPlaceholder 语音轮次在会话历史中代替用户音频的文本
const VoiceTurnPlaceholder = "[voice message]"

// VoiceDeps 所有语音连接共享的依赖
type VoiceDeps struct {
	Config    *config.Config
	Sessions  *session.Registry
	Generator llm.Generator
	Pipeliner *pipeline.Pipeliner
	Metrics   *metrics.Metrics
	Dumper    *dumper.WAVDumper
}

// VoiceConnection 一个语音 WebSocket 连接。
// 读协程负责累积音频与处理控制指令，生成任务由 TurnManager 管理，所有出站消息经过同一个 egress 队列
type VoiceConnection struct {
	id        string
	userKey   string
	sessionID string
	ws        *websocket.Conn
	deps      VoiceDeps
	log       *zap.Logger

	acc   *ingress.Accumulator
	out   *egress.Multiplexer
	turns *pipeline.TurnManager

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewVoiceConnection 包装已升级的 WebSocket 连接
func NewVoiceConnection(ws *websocket.Conn, userKey string, deps VoiceDeps) *VoiceConnection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	out := egress.New(ws, egress.Options{
		WriteTimeout: deps.Config.Voice.WriteTimeout,
		PingInterval: deps.Config.Voice.PingInterval,
		Metrics:      deps.Metrics,
	})
	return &VoiceConnection{
		id:      id,
		userKey: userKey,
		ws:      ws,
		deps:    deps,
		log:     logger.Named("voice").With(zap.String("conn", id), zap.String("user", userKey)),
		acc:     ingress.NewAccumulator(),
		out:     out,
		turns:   pipeline.NewTurnManager(out, deps.Metrics),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 绑定会话并启动发送协程
func (c *VoiceConnection) Start() error {
	c.sessionID = c.deps.Sessions.GetOrCreate(c.userKey)
	c.out.Start()
	c.deps.Metrics.ConnectionOpened()
	c.log.Info("voice connection started", zap.String("session", c.sessionID))
	return nil
}

// Stop 取消生成任务，写完已入队的消息后关闭连接。可重复调用
func (c *VoiceConnection) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.turns.Close()
		c.out.Close()
		select {
		case <-c.out.Done():
		case <-time.After(c.deps.Config.Voice.WriteTimeout):
			c.log.Warn("egress did not flush before close")
		}
		c.ws.Close()
		c.deps.Metrics.ConnectionClosed()
		c.log.Info("voice connection stopped")
	})
}

func (c *VoiceConnection) GetID() string {
	return c.id
}

func (c *VoiceConnection) UserKey() string {
	return c.userKey
}

func (c *VoiceConnection) SessionID() string {
	return c.sessionID
}

// PushAudio 推送一段与轮次无关的音频，例如文字对话中代理合成的语音
func (c *VoiceConnection) PushAudio(data []byte) error {
	return c.out.SendBinary(data)
}

// Serve 读循环，直到客户端断开或读出错时返回
func (c *VoiceConnection) Serve() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("voice read loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.sendEvent(0, voice.Error(c.deps.Config.Messages.Error))
		}
	}()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("voice read failed", zap.Error(err))
			} else {
				c.log.Debug("voice client disconnected", zap.Error(err))
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			c.acc.Append(data)
			c.turns.MarkAccumulating()
		case websocket.TextMessage:
			c.handleCommand(data)
		}
	}
}

func (c *VoiceConnection) handleCommand(data []byte) {
	cmd, err := voice.DecodeCommand(data)
	switch {
	case errors.Is(err, voice.ErrMalformed):
		c.log.Warn("malformed control message", zap.Error(err))
		c.sendEvent(0, voice.Error(err.Error()))
	case errors.Is(err, voice.ErrUnknownCommand):
		c.log.Debug("ignoring control message", zap.String("type", string(cmd.Type)))
	case cmd.Type == voice.CommandEndAudio:
		c.endOfUtterance()
	case cmd.Type == voice.CommandInterrupt:
		if err := c.turns.Interrupt(); err != nil {
			c.log.Warn("interruption handshake not sent", zap.Error(err))
		}
	}
}

// endOfUtterance 定稿当前语音并开始新一轮生成，进行中的一轮被取代
func (c *VoiceConnection) endOfUtterance() {
	utterance, ok := c.acc.Finalize()
	if !ok {
		c.log.Debug("end_audio with empty buffer")
		return
	}
	turn := c.turns.Begin(c.ctx, func(ctx context.Context, turn int64) {
		c.respond(ctx, turn, utterance)
	})
	c.log.Info("utterance finalized", zap.Int64("turn", turn), zap.Int("bytes", utterance.Len()))
}

// respond 一轮生成：发送 processing，流式生成并合成，成功后写入会话历史
func (c *VoiceConnection) respond(ctx context.Context, turn int64, utterance *wav.Container) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("voice turn panicked", zap.Int64("turn", turn), zap.Any("panic", r), zap.Stack("stack"))
			c.sendEvent(turn, voice.Error(c.deps.Config.Messages.Error))
		}
	}()
	cfg := c.deps.Config.Voice

	var tl *pipeline.Timeline
	if cfg.DebugTimestamps {
		tl = pipeline.NewTimeline()
		tl.Mark("end_audio")
	}

	c.deps.Metrics.TurnStarted(utterance.Len())
	if _, err := c.deps.Dumper.Dump(c.userKey, turn, utterance); err != nil {
		c.log.Warn("failed to dump utterance", zap.Error(err))
	}
	c.sendEvent(turn, voice.Processing())

	text, err := c.generate(ctx, turn, utterance, tl)
	if err == nil {
		c.deps.Sessions.AppendTurn(c.userKey, session.RoleUser, VoiceTurnPlaceholder)
		c.deps.Sessions.AppendTurn(c.userKey, session.RoleAssistant, text)
		if tl != nil && text != "" {
			c.sendEvent(turn, voice.Response(text+tl.Report()))
		}
		c.log.Info("turn completed", zap.Int64("turn", turn), zap.Int("chars", len(text)))
		return
	}
	if ctx.Err() != nil {
		c.log.Debug("turn cancelled", zap.Int64("turn", turn))
		return
	}
	c.log.Error("generation failed", zap.Int64("turn", turn), zap.Error(err))
	c.sendEvent(turn, voice.Error("Gemini Error: "+err.Error()))
}

// sendEvent 入队一条事件，turn 为 0 时不受轮次过滤
func (c *VoiceConnection) sendEvent(turn int64, evt voice.Event) {
	if err := c.out.SendTurnEvent(turn, evt); err != nil {
		c.log.Debug("event not sent", zap.String("type", string(evt.Type)), zap.Int64("turn", turn), zap.Error(err))
	}
}

func (c *VoiceConnection) generate(ctx context.Context, turn int64, utterance *wav.Container, tl *pipeline.Timeline) (string, error) {
	cfg := c.deps.Config.Voice
	stream, err := c.deps.Generator.Generate(ctx, llm.Request{
		SystemPrompt: cfg.SystemPrompt,
		History:      c.deps.Sessions.History(c.userKey),
		Blobs:        []llm.Blob{{MIMEType: "audio/wav", Data: utterance.Bytes()}},
		Temperature:  cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	tl.Mark("generation_started")
	return c.deps.Pipeliner.WithTimeline(tl).Run(ctx, turn, stream, &voiceSink{out: c.out})
}

// voiceSink 把转写与音频写入出站队列
type voiceSink struct {
	out *egress.Multiplexer
}

func (s *voiceSink) Transcript(turn int64, text string) error {
	return s.out.SendTurnEvent(turn, voice.Response(text))
}

func (s *voiceSink) Audio(turn int64, frame []byte) error {
	return s.out.SendAudio(turn, frame)
}
