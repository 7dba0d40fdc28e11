package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"talkstream/internal/config"
	"talkstream/pkg/logger"
	"talkstream/pkg/logic/agent"
	"talkstream/pkg/logic/artifact"
	"talkstream/pkg/logic/dumper"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/offload"
	"talkstream/pkg/logic/pipeline"
	"talkstream/pkg/logic/session"
	"talkstream/pkg/logic/stt"
	"talkstream/pkg/logic/tts"
	"talkstream/pkg/metrics"
	"talkstream/pkg/server"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"google.golang.org/genai"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	// 设置 gin 为 release 模式，关闭调试信息
	gin.SetMode(gin.ReleaseMode)

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitLogger(&cfg.Log)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatal("server exited: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	pool := offload.NewPool(cfg.Offload.MaxWorkers)
	sessions := session.NewRegistry(session.Options{
		MaxSessions: cfg.Session.MaxSessions,
		MaxHistory:  cfg.Session.MaxHistory,
		IdleTTL:     cfg.Session.IdleTTL,
		Metrics:     m,
	})
	artifacts := artifact.NewStore()

	generator, genaiClient, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	if genaiClient == nil {
		// 代理始终使用 Gemini
		genaiClient, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.LLM.Gemini.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("create agent client: %w", err)
		}
	}

	if cfg.STT.Type == "tencent" {
		a := cfg.STT.TencentASR
		generator = stt.NewTranscribingGenerator(stt.NewTencentASR(stt.TencentASRConfig{
			AppID:           a.AppID,
			SecretID:        a.SecretID,
			SecretKey:       a.SecretKey,
			EngineModelType: a.EngineModelType,
			SliceSize:       a.SliceSize,
		}, pool), generator)
	} else if cfg.LLM.Type == "openai" {
		logger.Warn("llm.type=openai cannot take audio input; set stt.type=tencent for the voice channel")
	}

	synth, err := newSynthesizer(cfg, pool)
	if err != nil {
		return err
	}
	voiceSample := cfg.TTS.Gradio.SpeakerSample
	streamer := tts.NewRetryStreamer(synth, tts.RetryOptions{
		VoiceSample: voiceSample,
		MaxRetries:  cfg.TTS.MaxRetries,
		Metrics:     m,
	})
	normalizer := tts.NewNormalizer(cfg.TTS.PCMSampleRate, cfg.TTS.OutputSampleRate)
	pipeliner := pipeline.NewPipeliner(streamer, normalizer, pipeline.Options{
		FlushPolicy:      cfg.Voice.FlushPolicy,
		MinSentenceChars: cfg.Voice.MinSentenceChars,
		Metrics:          m,
	})

	runner := agent.NewGeminiRunner(genaiClient, agent.Options{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Timeout:      cfg.Agent.Timeout,
		Pool:         pool,
		Tools: []agent.Tool{
			agent.NewSpeechTool(streamer, normalizer, artifacts, voiceSample),
		},
	})

	dump, err := dumper.NewWAVDumper(cfg.Dump.Dir)
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Generator: generator,
		Pipeliner: pipeliner,
		Agent:     runner,
		Artifacts: artifacts,
		Metrics:   m,
		Gatherer:  reg,
		Dumper:    dump,
	})

	stopSweep := make(chan struct{})
	go sessions.RunSweeper(cfg.Session.SweepInterval, stopSweep)
	defer close(stopSweep)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("Starting talkstream server on :%d (llm=%s tts=%s)", cfg.Server.HTTPPort, cfg.LLM.Type, cfg.TTS.Type)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// WebSocket 连接已被劫持，Shutdown 不会等待它们
	srv.Close()
	err = httpServer.Shutdown(shutdownCtx)
	return multierr.Append(err, <-errCh)
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, *genai.Client, error) {
	switch cfg.LLM.Type {
	case "openai":
		o := cfg.LLM.OpenAI
		return llm.NewOpenAI(o.APIKey, o.BaseURL, o.Model, llm.OpenAIOptions{
			Temperature: o.Temperature,
			MaxTokens:   int64(o.MaxTokens),
		}), nil, nil
	default:
		g, err := llm.NewGemini(ctx, cfg.LLM.Gemini.APIKey, cfg.LLM.Gemini.Model)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Client(), nil
	}
}

func newSynthesizer(cfg *config.Config, pool *offload.Pool) (tts.Synthesizer, error) {
	switch cfg.TTS.Type {
	case "tencent":
		t := cfg.TTS.TencentTTS
		synth, err := tts.NewTencentTTS(tts.TencentConfig{
			AppID:     t.AppID,
			SecretID:  t.SecretID,
			SecretKey: t.SecretKey,
			VoiceType: t.VoiceType,
			Codec:     t.Codec,
		}, pool)
		if err != nil {
			return nil, err
		}
		return synth, nil
	default:
		g := cfg.TTS.Gradio
		if g.BaseURL == "" {
			return nil, fmt.Errorf("%w: tts.gradio.base_url is required", config.ErrInvalidConfig)
		}
		return tts.NewGradioTTS(tts.GradioConfig{
			BaseURL: g.BaseURL,
			Token:   g.Token,
			APIName: g.APIName,
			Timeout: g.Timeout,
		}), nil
	}
}
