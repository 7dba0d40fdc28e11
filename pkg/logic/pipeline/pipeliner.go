package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"talkstream/internal/config"
	"talkstream/pkg/logger"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/tts"
	"talkstream/pkg/metrics"
)

// Sink 一轮生成的输出端
type Sink interface {
	// Transcript 收到的是截至目前的完整回复文本
	Transcript(turn int64, text string) error
	// Audio 一段可独立解码的 WAV
	Audio(turn int64, frame []byte) error
}

// Options 拆句与合成配置
type Options struct {
	FlushPolicy      string // config.FlushOnEnd 或 config.FlushOnSentence
	MinSentenceChars int
	Metrics          *metrics.Metrics
	Timeline         *Timeline
}

// Pipeliner 把流式文本转换为实时转写与按顺序合成的音频
type Pipeliner struct {
	streamer   tts.Streamer
	normalizer *tts.Normalizer
	opts       Options
}

// NewPipeliner 创建拆句合成器
func NewPipeliner(streamer tts.Streamer, normalizer *tts.Normalizer, opts Options) *Pipeliner {
	if opts.FlushPolicy == "" {
		opts.FlushPolicy = config.FlushOnEnd
	}
	return &Pipeliner{streamer: streamer, normalizer: normalizer, opts: opts}
}

// WithTimeline 返回记录到 tl 的副本
func (p *Pipeliner) WithTimeline(tl *Timeline) *Pipeliner {
	cp := *p
	cp.opts.Timeline = tl
	return &cp
}

// Run 消费 stream 直到结束或 ctx 取消，返回完整回复文本。
// 合成由唯一的工作协程按提交顺序执行；Run 在工作协程退出后才返回
func (p *Pipeliner) Run(ctx context.Context, turn int64, stream llm.Stream, sink Sink) (string, error) {
	defer stream.Close()

	units := make(chan string, 16)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		p.synthWorker(ctx, turn, units, sink)
	}()

	started := time.Now()
	var (
		full    strings.Builder
		pending strings.Builder
		first   = true
	)

	submit := func(unit string) bool {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			return true
		}
		select {
		case units <- unit:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cancelled := false
	for stream.Next() {
		frag := stream.Fragment()
		if frag == "" {
			continue
		}
		if first {
			first = false
			p.opts.Metrics.ObserveFirstFragment(time.Since(started))
			p.opts.Timeline.Mark("first_fragment")
		}
		full.WriteString(frag)
		pending.WriteString(frag)
		if err := sink.Transcript(turn, full.String()); err != nil {
			logger.Debug("transcript dropped: turn=%d err=%v", turn, err)
		}

		if p.opts.FlushPolicy == config.FlushOnSentence {
			sentences, rest := SplitSentences(pending.String(), p.opts.MinSentenceChars)
			for _, s := range sentences {
				if !submit(s) {
					cancelled = true
					break
				}
			}
			pending.Reset()
			pending.WriteString(rest)
		}
		if cancelled {
			break
		}
	}
	p.opts.Timeline.Mark("generation_done")

	err := stream.Err()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if err == nil {
		submit(pending.String())
	}
	close(units)
	<-workerDone
	p.opts.Timeline.Mark("synthesis_done")
	return full.String(), err
}

// synthWorker 依次合成每个单元；单元失败只记录并跳过
func (p *Pipeliner) synthWorker(ctx context.Context, turn int64, units <-chan string, sink Sink) {
	for unit := range units {
		if ctx.Err() != nil {
			continue
		}
		p.opts.Metrics.SynthesisUnit()
		if err := p.synthesize(ctx, turn, unit, sink); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.opts.Metrics.SynthesisFailed()
			logger.Warn("synthesis unit failed, skipping: turn=%d chars=%d err=%v", turn, utf8.RuneCountInString(unit), err)
		}
	}
}

func (p *Pipeliner) synthesize(ctx context.Context, turn int64, unit string, sink Sink) error {
	for item, err := range p.streamer.Stream(ctx, unit) {
		if err != nil {
			return err
		}
		frame, err := p.normalizer.Normalize(ctx, item)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.opts.Timeline.Mark("first_audio")
		if err := sink.Audio(turn, frame); err != nil {
			return err
		}
	}
	return nil
}

var sentenceEnds = map[rune]bool{
	'.': true, '!': true, '?': true, '…': true,
	'。': true, '！': true, '？': true,
}

// wideEnds 不需要后随空白即可断句的标点
var wideEnds = map[rune]bool{'。': true, '！': true, '？': true}

// SplitSentences 从 text 中切出完整句子。ASCII 句末标点后必须跟空白才算句子结束，
// 全角标点立即结束。不足 minChars 的句子与后一句合并。返回切出的句子与剩余部分
func SplitSentences(text string, minChars int) ([]string, string) {
	var (
		sentences []string
		start     int
	)
	for i, r := range text {
		if !sentenceEnds[r] {
			continue
		}
		end := i + utf8.RuneLen(r)
		if !wideEnds[r] {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if end >= len(text) || !unicode.IsSpace(next) {
				continue
			}
		}
		candidate := strings.TrimSpace(text[start:end])
		if utf8.RuneCountInString(candidate) < minChars {
			continue
		}
		sentences = append(sentences, candidate)
		start = end
	}
	return sentences, text[start:]
}
