package server

import (
	"talkstream/pkg/logger"
	"talkstream/pkg/server/connection"

	"github.com/gin-gonic/gin"
)

// HandleVoice 升级为语音 WebSocket 并在当前协程运行读循环
func (s *Server) HandleVoice(c *gin.Context) {
	userKey := c.Query("user_id")
	if userKey == "" {
		userKey = s.config.Voice.DefaultUser
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回错误响应
		logger.Warn("voice upgrade failed: %v", err)
		return
	}

	conn := connection.NewVoiceConnection(ws, userKey, connection.VoiceDeps{
		Config:    s.config,
		Sessions:  s.deps.Sessions,
		Generator: s.deps.Generator,
		Pipeliner: s.deps.Pipeliner,
		Metrics:   s.deps.Metrics,
		Dumper:    s.deps.Dumper,
	})
	if err := conn.Start(); err != nil {
		logger.Error("failed to start voice connection: %v", err)
		conn.Stop()
		return
	}

	if prev := s.connections.Register(userKey, conn); prev != nil {
		logger.Info("voice sink for user %s replaced: old=%s new=%s", userKey, prev.GetID(), conn.GetID())
	}
	defer func() {
		s.connections.Unregister(userKey, conn)
		conn.Stop()
	}()

	conn.Serve()
}
