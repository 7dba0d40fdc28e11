package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 刷新策略
const (
	FlushOnEnd      = "end"
	FlushOnSentence = "sentence"
)

var ErrInvalidConfig = errors.New("invalid config")

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Server struct {
		HTTPPort        int           `yaml:"http_port"`
		StaticDir       string        `yaml:"static_dir"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Log     LogConfig `yaml:"log"`
	Session struct {
		MaxSessions   int           `yaml:"max_sessions"`
		MaxHistory    int           `yaml:"max_history"`
		IdleTTL       time.Duration `yaml:"idle_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"session"`
	Voice struct {
		DefaultUser      string        `yaml:"default_user"`
		FlushPolicy      string        `yaml:"flush_policy"`
		MinSentenceChars int           `yaml:"min_sentence_chars"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		DebugTimestamps  bool          `yaml:"debug_timestamps"`
		SystemPrompt     string        `yaml:"system_prompt"`
		Temperature      float32       `yaml:"temperature"`
	} `yaml:"voice"`
	LLM struct {
		Type   string `yaml:"type"`
		Gemini struct {
			APIKey string `yaml:"api_key"`
			Model  string `yaml:"model"`
		} `yaml:"gemini"`
		OpenAI struct {
			APIKey      string  `yaml:"api_key"`
			BaseURL     string  `yaml:"base_url"`
			Model       string  `yaml:"model"`
			Temperature float64 `yaml:"temperature"`
			MaxTokens   int     `yaml:"max_tokens"`
		} `yaml:"openai"`
	} `yaml:"llm"`
	Agent struct {
		Model        string        `yaml:"model"`
		SystemPrompt string        `yaml:"system_prompt"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"agent"`
	TTS struct {
		Type             string `yaml:"type"`
		PCMSampleRate    int    `yaml:"pcm_sample_rate"`
		OutputSampleRate int    `yaml:"output_sample_rate"`
		MaxRetries       uint64 `yaml:"max_retries"`
		Gradio           struct {
			BaseURL       string        `yaml:"base_url"`
			Token         string        `yaml:"token"`
			APIName       string        `yaml:"api_name"`
			SpeakerSample string        `yaml:"speaker_sample"`
			Timeout       time.Duration `yaml:"timeout"`
		} `yaml:"gradio"`
		TencentTTS struct {
			AppID     string `yaml:"app_id"`
			SecretID  string `yaml:"secret_id"`
			SecretKey string `yaml:"secret_key"`
			VoiceType int64  `yaml:"voice_type"`
			Codec     string `yaml:"codec"`
		} `yaml:"tencent_tts"`
	} `yaml:"tts"`
	STT struct {
		Type       string `yaml:"type"`
		TencentASR struct {
			AppID           string `yaml:"app_id"`
			SecretID        string `yaml:"secret_id"`
			SecretKey       string `yaml:"secret_key"`
			EngineModelType string `yaml:"engine_model_type"`
			SliceSize       int    `yaml:"slice_size"`
		} `yaml:"tencent_asr"`
	} `yaml:"stt"`
	Offload struct {
		MaxWorkers int64 `yaml:"max_workers"`
	} `yaml:"offload"`
	Messages struct {
		NoAnswer          string `yaml:"no_answer"`
		Error             string `yaml:"error"`
		UnsupportedFormat string `yaml:"unsupported_format"`
	} `yaml:"messages"`
	Dump struct {
		Dir string `yaml:"dir"`
	} `yaml:"dump"`
}

// Default 返回带默认值的配置
func Default() *Config {
	c := &Config{}
	c.Server.HTTPPort = 7860
	c.Server.ShutdownTimeout = 10 * time.Second

	c.Log.Level = "info"
	c.Log.MaxSize = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAge = 30

	c.Session.MaxSessions = 10000
	c.Session.MaxHistory = 100
	c.Session.IdleTTL = 24 * time.Hour
	c.Session.SweepInterval = 10 * time.Minute

	c.Voice.DefaultUser = "voice_user"
	c.Voice.FlushPolicy = FlushOnEnd
	c.Voice.MinSentenceChars = 8
	c.Voice.WriteTimeout = 10 * time.Second
	c.Voice.PingInterval = 30 * time.Second
	c.Voice.SystemPrompt = "You are a helpful voice assistant. Answer briefly and to the point."
	c.Voice.Temperature = 0.7

	c.LLM.Type = "gemini"
	c.LLM.Gemini.APIKey = "$GEMINI_API_KEY"
	c.LLM.Gemini.Model = "gemini-2.5-flash-lite"

	c.Agent.Model = "gemini-2.5-flash"
	c.Agent.Timeout = 60 * time.Second

	c.TTS.Type = "gradio"
	c.TTS.PCMSampleRate = 16000
	c.TTS.MaxRetries = 2
	c.TTS.Gradio.APIName = "predict"
	c.TTS.Gradio.Token = "$HF_TOKEN"
	c.TTS.Gradio.Timeout = 2 * time.Minute
	c.TTS.TencentTTS.Codec = "pcm"

	c.STT.Type = "none"
	c.STT.TencentASR.EngineModelType = "16k_zh"
	c.STT.TencentASR.SliceSize = 6400

	c.Offload.MaxWorkers = 8

	c.Messages.NoAnswer = "Sorry, I could not put together an answer. Please try again."
	c.Messages.Error = "Oops, something went wrong. Please try again later."
	c.Messages.UnsupportedFormat = "Sorry, the %s format is not supported yet."
	return c
}

// LoadConfig 读取 .env 与 yaml 配置，展开 $ENV 引用并校验
func LoadConfig(path string) (*Config, error) {
	// .env 可选
	_ = godotenv.Load()

	config := Default()

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	ExpandEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ExpandEnv 把形如 "$NAME" 的字符串字段替换为对应环境变量
func ExpandEnv(c *Config) {
	expandValue(reflect.ValueOf(c).Elem())
}

func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if s := v.String(); strings.HasPrefix(s, "$") && v.CanSet() {
			v.SetString(os.Getenv(s[1:]))
		}
	}
}

// Validate 校验枚举字段与取值范围
func (c *Config) Validate() error {
	switch c.LLM.Type {
	case "gemini", "openai":
	default:
		return fmt.Errorf("%w: unknown llm.type %q", ErrInvalidConfig, c.LLM.Type)
	}
	switch c.TTS.Type {
	case "gradio", "tencent":
	default:
		return fmt.Errorf("%w: unknown tts.type %q", ErrInvalidConfig, c.TTS.Type)
	}
	switch c.STT.Type {
	case "none", "tencent":
	default:
		return fmt.Errorf("%w: unknown stt.type %q", ErrInvalidConfig, c.STT.Type)
	}
	switch c.Voice.FlushPolicy {
	case FlushOnEnd, FlushOnSentence:
	default:
		return fmt.Errorf("%w: unknown voice.flush_policy %q", ErrInvalidConfig, c.Voice.FlushPolicy)
	}
	if c.Session.MaxSessions < 0 || c.Session.MaxHistory < 0 {
		return fmt.Errorf("%w: session limits must not be negative", ErrInvalidConfig)
	}
	if c.Offload.MaxWorkers <= 0 {
		return fmt.Errorf("%w: offload.max_workers must be positive", ErrInvalidConfig)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("%w: agent.timeout must be positive", ErrInvalidConfig)
	}
	if !strings.Contains(c.Messages.UnsupportedFormat, "%s") {
		return fmt.Errorf("%w: messages.unsupported_format needs a %%s placeholder", ErrInvalidConfig)
	}
	return nil
}
