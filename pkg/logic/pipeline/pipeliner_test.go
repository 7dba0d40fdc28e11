package pipeline

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"talkstream/internal/config"
	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logic/llm"
	"talkstream/pkg/logic/tts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoStreamer 把文本本身作为 PCM 负载返回；fail 中的文本合成失败
type echoStreamer struct {
	mu    sync.Mutex
	fail  map[string]bool
	units []string
}

func (e *echoStreamer) Stream(ctx context.Context, text string) iter.Seq2[tts.Item, error] {
	return func(yield func(tts.Item, error) bool) {
		e.mu.Lock()
		e.units = append(e.units, text)
		e.mu.Unlock()
		if e.fail[text] {
			yield(tts.Item{}, errors.New("synthesis exploded"))
			return
		}
		yield(tts.BytesItem(wav.NewVoiceContainer([]byte(text)).Bytes()), nil)
	}
}

func (e *echoStreamer) Units() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.units...)
}

type recordSink struct {
	mu          sync.Mutex
	transcripts []string
	audio       []string
	turns       []int64
}

func (s *recordSink) Transcript(turn int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, text)
	s.turns = append(s.turns, turn)
	return nil
}

func (s *recordSink) Audio(turn int64, frame []byte) error {
	c, err := wav.Decode(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, string(c.Payload()))
	s.turns = append(s.turns, turn)
	return nil
}

func newPipeliner(streamer tts.Streamer, policy string) *Pipeliner {
	return NewPipeliner(streamer, tts.NewNormalizer(16000, 0), Options{FlushPolicy: policy, MinSentenceChars: 1})
}

func TestRunFlushOnEnd(t *testing.T) {
	streamer := &echoStreamer{}
	sink := &recordSink{}
	p := newPipeliner(streamer, config.FlushOnEnd)

	text, err := p.Run(context.Background(), 1, llm.NewStaticStream([]string{"Hello. ", "World."}, nil), sink)
	require.NoError(t, err)

	assert.Equal(t, "Hello. World.", text)
	assert.Equal(t, []string{"Hello. ", "Hello. World."}, sink.transcripts)
	assert.Equal(t, []string{"Hello. World."}, sink.audio)
	for _, turn := range sink.turns {
		assert.Equal(t, int64(1), turn)
	}
}

func TestRunFlushOnSentence(t *testing.T) {
	streamer := &echoStreamer{}
	sink := &recordSink{}
	p := newPipeliner(streamer, config.FlushOnSentence)

	_, err := p.Run(context.Background(), 2, llm.NewStaticStream([]string{"Hi there. How", " are you? Fine"}, nil), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi there.", "How are you?", "Fine"}, streamer.Units())
	assert.Equal(t, []string{"Hi there.", "How are you?", "Fine"}, sink.audio)
}

func TestRunSkipsFailedUnit(t *testing.T) {
	streamer := &echoStreamer{fail: map[string]bool{"bad.": true}}
	sink := &recordSink{}
	p := newPipeliner(streamer, config.FlushOnSentence)

	_, err := p.Run(context.Background(), 1, llm.NewStaticStream([]string{"One. ", "bad. ", "Three."}, nil), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"One.", "bad.", "Three."}, streamer.Units())
	assert.Equal(t, []string{"One.", "Three."}, sink.audio)
}

func TestRunEmptyStream(t *testing.T) {
	streamer := &echoStreamer{}
	sink := &recordSink{}

	text, err := newPipeliner(streamer, config.FlushOnEnd).Run(context.Background(), 1, llm.NewStaticStream(nil, nil), sink)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, streamer.Units())
	assert.Empty(t, sink.transcripts)
}

func TestRunGenerationError(t *testing.T) {
	streamer := &echoStreamer{}
	sink := &recordSink{}
	boom := errors.New("provider down")

	text, err := newPipeliner(streamer, config.FlushOnEnd).Run(context.Background(), 1, llm.NewStaticStream([]string{"partial"}, boom), sink)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", text)
	assert.Empty(t, sink.audio)
}

// blockingStream 产出一个片段后阻塞直到 Close
type blockingStream struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func (b *blockingStream) Next() bool {
	if !b.sent {
		b.sent = true
		return true
	}
	<-b.closed
	return false
}

func (b *blockingStream) Fragment() string { return "thinking" }
func (b *blockingStream) Err() error { return nil }
func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestRunCancelled(t *testing.T) {
	streamer := &echoStreamer{}
	sink := &recordSink{}
	stream := &blockingStream{closed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := newPipeliner(streamer, config.FlushOnEnd).Run(ctx, 1, stream, sink)
		done <- err
	}()

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.transcripts) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	// 模拟生成端在取消后结束
	stream.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, sink.audio)
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		minChars  int
		sentences []string
		rest      string
	}{
		{"no delimiter", "hello world", 1, nil, "hello world"},
		{"trailing period waits for space", "Done.", 1, nil, "Done."},
		{"two sentences", "One. Two! Thr", 1, []string{"One.", "Two!"}, " Thr"},
		{"decimal is not a boundary", "Pi is 3.14 ok", 1, nil, "Pi is 3.14 ok"},
		{"cjk ends immediately", "你好。今天", 1, []string{"你好。"}, "今天"},
		{"short sentences merge", "Hi. Yes. Good morning. ", 10, []string{"Hi. Yes. Good morning."}, " "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sentences, rest := SplitSentences(tc.text, tc.minChars)
			assert.Equal(t, tc.sentences, sentences)
			assert.Equal(t, tc.rest, rest)
		})
	}
}

func TestTimeline(t *testing.T) {
	now := time.Unix(100, 0)
	tl := newTimelineWithClock(func() time.Time { return now })
	now = now.Add(120 * time.Millisecond)
	tl.Mark("first_fragment")
	now = now.Add(80 * time.Millisecond)
	tl.Mark("first_audio")
	tl.Mark("first_fragment")

	assert.Equal(t, []string{"first_fragment: +120ms", "first_audio: +200ms"}, tl.Lines())
	assert.Contains(t, tl.Report(), "--- Debug Timestamps (Streamed) ---")

	var nilTimeline *Timeline
	assert.NotPanics(t, func() { nilTimeline.Mark("x") })
}
