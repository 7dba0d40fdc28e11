package server

import (
	"net/http"
	"path/filepath"

	"talkstream/internal/config"
	"talkstream/pkg/logger"
	"talkstream/pkg/logic/agent"
	"talkstream/pkg/logic/artifact"
	"talkstream/pkg/logic/dumper"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/pipeline"
	"talkstream/pkg/logic/session"
	"talkstream/pkg/metrics"
	"talkstream/pkg/server/connection"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 服务端依赖，由 main 组装后注入
type Deps struct {
	Config    *config.Config
	Sessions  *session.Registry
	Generator llm.Generator
	Pipeliner *pipeline.Pipeliner
	Agent     agent.Runner
	Artifacts *artifact.Store
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer // 为 nil 时不暴露 /metrics
	Dumper    *dumper.WAVDumper
}

// Server 语音 WebSocket 与 REST 接口
type Server struct {
	deps        Deps
	config      *config.Config
	upgrader    websocket.Upgrader
	connections *connection.Registry
	engine      *gin.Engine
}

// NewServer 创建服务并注册路由
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		config: deps.Config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: connection.NewRegistry(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)
	s.engine = r
	return s
}

func (s *Server) routes(r *gin.Engine) {
	if dir := s.config.Server.StaticDir; dir != "" {
		// 提供静态文件服务
		r.StaticFile("/", filepath.Join(dir, "index.html"))
		r.Static("/static", dir)
	}

	r.GET("/healthz", s.HandleHealth)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/voice", s.HandleVoice)
	api.POST("/chat", s.HandleChat)
	api.GET("/chat/history", s.HandleHistory)
	api.DELETE("/chat/history", s.HandleClearHistory)
	api.GET("/files/:name", s.HandleFile)
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Connections 存活的语音连接
func (s *Server) Connections() *connection.Registry {
	return s.connections
}

// Close 停止所有语音连接
func (s *Server) Close() {
	n := s.connections.Len()
	s.connections.StopAll()
	logger.Info("stopped %d voice connections", n)
}

// HandleHealth 存活检查
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"sessions":          s.deps.Sessions.Len(),
		"voice_connections": s.connections.Len(),
	})
}
