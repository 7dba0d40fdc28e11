package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talkstream/pkg/logger"
)

// GradioConfig Gradio 语音合成服务配置
type GradioConfig struct {
	BaseURL string
	Token   string
	APIName string
	Timeout time.Duration
}

// GradioTTS 调用 Gradio Space 的预测接口合成语音。
// 先 POST /gradio_api/call/<api> 取得 event_id，再读取 SSE 结果流。
type GradioTTS struct {
	cfg    GradioConfig
	client *http.Client
}

// gradioFile Gradio 的 FileData 结构
type gradioFile struct {
	Path     string         `json:"path"`
	URL      string         `json:"url,omitempty"`
	OrigName string         `json:"orig_name,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type gradioCallRequest struct {
	Data []any `json:"data"`
}

type gradioCallResponse struct {
	EventID string `json:"event_id"`
}

// NewGradioTTS 创建 Gradio 客户端
func NewGradioTTS(cfg GradioConfig) *GradioTTS {
	if cfg.APIName == "" {
		cfg.APIName = "predict"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GradioTTS{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Synthesize 合成 text；voiceSample 为本地文件或 URL 时作为说话人参考音频
func (g *GradioTTS) Synthesize(ctx context.Context, text, voiceSample string) (Result, error) {
	var speaker any
	if voiceSample != "" {
		file, err := g.speakerFile(ctx, voiceSample)
		if err != nil {
			return Result{}, err
		}
		speaker = file
	}

	eventID, err := g.call(ctx, []any{text, speaker})
	if err != nil {
		return Result{}, err
	}
	data, err := g.result(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	item, err := g.decodeOutput(data)
	if err != nil {
		return Result{}, err
	}
	logger.Debug("gradio synthesis done: event=%s kind=%s", eventID, item.Kind)
	return Result{Items: []Item{item}}, nil
}

func (g *GradioTTS) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build gradio request: %w", err)
	}
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	return req, nil
}

func (g *GradioTTS) authHeader() http.Header {
	if g.cfg.Token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + g.cfg.Token}}
}

func (g *GradioTTS) do(req *http.Request) (*http.Response, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: gradio %s: %w", ErrTransient, req.URL.Path, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: gradio %s: status %d", ErrTransient, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: gradio %s: status %d: %s", ErrSynthesis, req.URL.Path, resp.StatusCode, body)
	}
	return resp, nil
}

func (g *GradioTTS) call(ctx context.Context, data []any) (string, error) {
	payload, err := json.Marshal(gradioCallRequest{Data: data})
	if err != nil {
		return "", fmt.Errorf("marshal gradio request: %w", err)
	}
	req, err := g.newRequest(ctx, http.MethodPost, g.cfg.BaseURL+"/gradio_api/call/"+g.cfg.APIName, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read gradio response: %w", ErrTransient, err)
	}
	var out gradioCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &DecodeError{Source: "gradio call", Body: string(body), Err: err}
	}
	if out.EventID == "" {
		return "", &DecodeError{Source: "gradio call", Body: string(body)}
	}
	return out.EventID, nil
}

// result 读取 SSE 结果流直到 complete 或 error 事件
func (g *GradioTTS) result(ctx context.Context, eventID string) (json.RawMessage, error) {
	req, err := g.newRequest(ctx, http.MethodGet, g.cfg.BaseURL+"/gradio_api/call/"+g.cfg.APIName+"/"+eventID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return json.RawMessage(data), nil
			case "error":
				return nil, fmt.Errorf("%w: gradio event %s: %s", ErrSynthesis, eventID, data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read gradio stream: %w", ErrTransient, err)
	}
	return nil, &DecodeError{Source: "gradio stream", Body: "stream ended without complete event"}
}

// decodeOutput 解析 complete 事件的数据：首个输出可以是 FileData、URL、data URL 或服务端路径
func (g *GradioTTS) decodeOutput(data json.RawMessage) (Item, error) {
	var outputs []json.RawMessage
	if err := json.Unmarshal(data, &outputs); err != nil {
		return Item{}, &DecodeError{Source: "gradio output", Body: string(data), Err: err}
	}
	if len(outputs) == 0 {
		return Item{}, &DecodeError{Source: "gradio output", Body: string(data)}
	}

	first := outputs[0]
	var file gradioFile
	if err := json.Unmarshal(first, &file); err == nil && (file.URL != "" || file.Path != "") {
		if file.URL != "" {
			return URLItem(file.URL, g.authHeader()), nil
		}
		return g.pathItem(file.Path), nil
	}

	var s string
	if err := json.Unmarshal(first, &s); err == nil && s != "" {
		switch {
		case strings.HasPrefix(s, "data:"):
			return Base64Item(s), nil
		case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
			return URLItem(s, g.authHeader()), nil
		default:
			return g.pathItem(s), nil
		}
	}
	return Item{}, &DecodeError{Source: "gradio output", Body: string(data)}
}

// pathItem 服务端路径通过 file= 接口下载
func (g *GradioTTS) pathItem(path string) Item {
	return URLItem(g.cfg.BaseURL+"/gradio_api/file="+path, g.authHeader())
}

// speakerFile 把参考音频转换为 FileData；本地文件先上传
func (g *GradioTTS) speakerFile(ctx context.Context, sample string) (gradioFile, error) {
	meta := map[string]any{"_type": "gradio.FileData"}
	if strings.HasPrefix(sample, "http://") || strings.HasPrefix(sample, "https://") {
		return gradioFile{Path: sample, URL: sample, Meta: meta}, nil
	}
	path, err := g.upload(ctx, sample)
	if err != nil {
		return gradioFile{}, err
	}
	return gradioFile{Path: path, OrigName: filepath.Base(sample), Meta: meta}, nil
}

func (g *GradioTTS) upload(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read speaker sample: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := g.newRequest(ctx, http.MethodPost, g.cfg.BaseURL+"/gradio_api/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read upload response: %w", ErrTransient, err)
	}
	var paths []string
	if err := json.Unmarshal(raw, &paths); err != nil || len(paths) == 0 {
		return "", &DecodeError{Source: "gradio upload", Body: string(raw), Err: err}
	}
	return paths[0], nil
}
