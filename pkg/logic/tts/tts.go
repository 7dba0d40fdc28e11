package tts

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"talkstream/pkg/logger"
	"talkstream/pkg/metrics"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrSynthesis 合成服务返回了失败结果
	ErrSynthesis = errors.New("speech synthesis failed")
	// ErrTransient 网络或服务端临时错误，可以重试
	ErrTransient = errors.New("speech synthesis transient error")
)

// DecodeError 合成服务的响应无法按预期结构解析
type DecodeError struct {
	Source string
	Body   string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s response: %v (body=%q)", e.Source, e.Err, e.Body)
	}
	return fmt.Sprintf("decode %s response: unexpected shape (body=%q)", e.Source, e.Body)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ItemKind 合成结果的承载方式
type ItemKind int

const (
	ItemPath ItemKind = iota
	ItemBytes
	ItemBase64
	ItemURL
)

func (k ItemKind) String() string {
	switch k {
	case ItemPath:
		return "path"
	case ItemBytes:
		return "bytes"
	case ItemBase64:
		return "base64"
	case ItemURL:
		return "url"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Item 一段合成音频，可能是本地文件、原始字节、base64 字符串或远程地址
type Item struct {
	Kind   ItemKind
	Path   string
	Data   []byte
	Base64 string
	URL    string
	Header http.Header // 下载 URL 时附带的请求头
}

func PathItem(path string) Item { return Item{Kind: ItemPath, Path: path} }

func BytesItem(data []byte) Item { return Item{Kind: ItemBytes, Data: data} }

func Base64Item(encoded string) Item { return Item{Kind: ItemBase64, Base64: encoded} }

func URLItem(url string, header http.Header) Item {
	return Item{Kind: ItemURL, URL: url, Header: header}
}

// Result 一次合成调用的全部产出
type Result struct {
	Items []Item
}

// Synthesizer 一次性合成整段文本。voiceSample 为空时使用默认音色
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceSample string) (Result, error)
}

// Streamer 按到达顺序逐段产出音频
type Streamer interface {
	Stream(ctx context.Context, text string) iter.Seq2[Item, error]
}

// RetryOptions 重试配置
type RetryOptions struct {
	VoiceSample string
	MaxRetries  uint64
	Base        time.Duration
	Metrics     *metrics.Metrics
}

// RetryStreamer 把 Synthesizer 适配为 Streamer，临时错误按指数退避重试
type RetryStreamer struct {
	synth Synthesizer
	opts  RetryOptions
}

// NewRetryStreamer 创建带重试的 Streamer
func NewRetryStreamer(synth Synthesizer, opts RetryOptions) *RetryStreamer {
	if opts.Base <= 0 {
		opts.Base = 200 * time.Millisecond
	}
	return &RetryStreamer{synth: synth, opts: opts}
}

// Synthesize 带重试的一次性合成
func (r *RetryStreamer) Synthesize(ctx context.Context, text, voiceSample string) (Result, error) {
	backoff := retry.WithMaxRetries(r.opts.MaxRetries, retry.NewExponential(r.opts.Base))
	attempt := 0
	return retry.DoValue(ctx, backoff, func(ctx context.Context) (Result, error) {
		attempt++
		if attempt > 1 {
			r.opts.Metrics.SynthesisRetried()
			logger.Warn("retrying synthesis, attempt=%d", attempt)
		}
		res, err := r.synth.Synthesize(ctx, text, voiceSample)
		if err != nil && errors.Is(err, ErrTransient) {
			return Result{}, retry.RetryableError(err)
		}
		return res, err
	})
}

// Stream 合成后依次产出结果中的每一项
func (r *RetryStreamer) Stream(ctx context.Context, text string) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		res, err := r.Synthesize(ctx, text, r.opts.VoiceSample)
		if err != nil {
			yield(Item{}, err)
			return
		}
		for _, item := range res.Items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
