package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"talkstream/internal/protocol/wav"
	"talkstream/pkg/logic/offload"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if err := godotenv.Load("../../../.env.test"); err != nil {
		log.Printf("Error loading .env.test file: %v", err)
	}
}

func TestNormalizeRawPCM(t *testing.T) {
	n := NewNormalizer(24000, 0)
	out, err := n.Normalize(context.Background(), BytesItem(make([]byte, 480)))
	require.NoError(t, err)

	require.Len(t, out, wav.HeaderSize+480)
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(out[24:28]))
	assert.Equal(t, uint32(480), binary.LittleEndian.Uint32(out[40:44]))
}

func TestNormalizeKeepsWAV(t *testing.T) {
	frame := wav.NewContainer(wav.PCM16(22050, 1), make([]byte, 200)).Bytes()
	n := NewNormalizer(16000, 0)

	out, err := n.Normalize(context.Background(), BytesItem(frame))
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestNormalizeResamplesToOutputRate(t *testing.T) {
	n := NewNormalizer(16000, 48000)
	out, err := n.Normalize(context.Background(), BytesItem(make([]byte, 3200)))
	require.NoError(t, err)

	c, err := wav.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), c.Format().SampleRate)
	assert.Greater(t, len(c.Payload()), 3200)
}

func TestNormalizeSources(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	encoded := base64.StdEncoding.EncodeToString(pcm)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.pcm")
	require.NoError(t, os.WriteFile(path, pcm, 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(pcm)
	}))
	defer srv.Close()

	n := NewNormalizer(16000, 0)
	items := []Item{
		PathItem(path),
		Base64Item(encoded),
		Base64Item("data:audio/L16;base64," + encoded),
		URLItem(srv.URL, http.Header{"Authorization": []string{"Bearer secret"}}),
	}
	for _, item := range items {
		t.Run(item.Kind.String(), func(t *testing.T) {
			out, err := n.Normalize(context.Background(), item)
			require.NoError(t, err)
			assert.Equal(t, pcm, out[wav.HeaderSize:])
		})
	}

	_, err := n.Normalize(context.Background(), URLItem(srv.URL, nil))
	assert.ErrorIs(t, err, ErrSynthesis)

	_, err = n.Normalize(context.Background(), Base64Item("!!not base64"))
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	_, err = n.Normalize(context.Background(), BytesItem(nil))
	assert.ErrorIs(t, err, ErrSynthesis)
}

// fakeGradio 模拟 Gradio 的两段式调用接口
func fakeGradio(t *testing.T, sse string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gradio_api/call/predict", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"data":[`) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"event_id":"evt-1"}`)
	})
	mux.HandleFunc("/gradio_api/call/predict/evt-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	})
	mux.HandleFunc("/gradio_api/upload", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["/tmp/gradio/sample.wav"]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGradioSynthesizeFileData(t *testing.T) {
	sse := "event: generating\ndata: null\n\nevent: complete\ndata: [{\"path\":\"/tmp/gradio/out.wav\",\"url\":\"\",\"meta\":{\"_type\":\"gradio.FileData\"}}]\n\n"
	srv := fakeGradio(t, sse, nil)

	g := NewGradioTTS(GradioConfig{BaseURL: srv.URL + "/", Token: "tok"})
	res, err := g.Synthesize(context.Background(), "hello", "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	item := res.Items[0]
	assert.Equal(t, ItemURL, item.Kind)
	assert.Equal(t, srv.URL+"/gradio_api/file=/tmp/gradio/out.wav", item.URL)
	assert.Equal(t, "Bearer tok", item.Header.Get("Authorization"))
}

func TestGradioSynthesizeWithSpeakerUpload(t *testing.T) {
	sse := "event: complete\ndata: [\"https://example.com/out.wav\"]\n\n"
	srv := fakeGradio(t, sse, nil)

	sample := filepath.Join(t.TempDir(), "speaker.wav")
	require.NoError(t, os.WriteFile(sample, []byte("RIFF"), 0o644))

	g := NewGradioTTS(GradioConfig{BaseURL: srv.URL})
	res, err := g.Synthesize(context.Background(), "hello", sample)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/out.wav", res.Items[0].URL)
}

func TestGradioErrors(t *testing.T) {
	cases := []struct {
		name  string
		sse   string
		check func(t *testing.T, err error)
	}{
		{
			name: "error event",
			sse:  "event: error\ndata: \"space crashed\"\n\n",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrSynthesis)
			},
		},
		{
			name: "unexpected output",
			sse:  "event: complete\ndata: [42]\n\n",
			check: func(t *testing.T, err error) {
				var decodeErr *DecodeError
				assert.ErrorAs(t, err, &decodeErr)
			},
		},
		{
			name: "no complete event",
			sse:  "event: heartbeat\ndata: null\n\n",
			check: func(t *testing.T, err error) {
				var decodeErr *DecodeError
				assert.ErrorAs(t, err, &decodeErr)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := fakeGradio(t, tc.sse, nil)
			_, err := NewGradioTTS(GradioConfig{BaseURL: srv.URL}).Synthesize(context.Background(), "hi", "")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestGradioServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGradioTTS(GradioConfig{BaseURL: srv.URL}).Synthesize(context.Background(), "hi", "")
	assert.ErrorIs(t, err, ErrTransient)
}

type flakySynth struct {
	failures int
	err      error
	calls    int
}

func (f *flakySynth) Synthesize(ctx context.Context, text, voiceSample string) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, f.err
	}
	return Result{Items: []Item{BytesItem([]byte(text)), BytesItem([]byte(voiceSample))}}, nil
}

func TestRetryStreamer(t *testing.T) {
	synth := &flakySynth{failures: 2, err: fmt.Errorf("%w: boom", ErrTransient)}
	s := NewRetryStreamer(synth, RetryOptions{VoiceSample: "v", MaxRetries: 2, Base: time.Millisecond})

	var got []string
	for item, err := range s.Stream(context.Background(), "text") {
		require.NoError(t, err)
		got = append(got, string(item.Data))
	}
	assert.Equal(t, []string{"text", "v"}, got)
	assert.Equal(t, 3, synth.calls)
}

func TestRetryStreamerGivesUp(t *testing.T) {
	synth := &flakySynth{failures: 10, err: fmt.Errorf("%w: boom", ErrTransient)}
	s := NewRetryStreamer(synth, RetryOptions{MaxRetries: 1, Base: time.Millisecond})

	var errs []error
	for _, err := range s.Stream(context.Background(), "text") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTransient)
	assert.Equal(t, 2, synth.calls)
}

func TestRetryStreamerPermanentError(t *testing.T) {
	perm := errors.New("bad request")
	synth := &flakySynth{failures: 10, err: perm}
	s := NewRetryStreamer(synth, RetryOptions{MaxRetries: 3, Base: time.Millisecond})

	_, err := s.Synthesize(context.Background(), "text", "")
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, synth.calls)
}

func TestTencentTTSLive(t *testing.T) {
	appID := os.Getenv("TENCENTTTS_APP_ID")
	secretID := os.Getenv("TENCENTTTS_SECRET_ID")
	secretKey := os.Getenv("TENCENTTTS_SECRET_KEY")
	if appID == "" || secretID == "" || secretKey == "" {
		t.Skip("Tencent credentials not set in environment variables")
	}

	synth, err := NewTencentTTS(TencentConfig{
		AppID:     appID,
		SecretID:  secretID,
		SecretKey: secretKey,
		VoiceType: 1001,
		Codec:     "pcm",
	}, offload.NewPool(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := synth.Synthesize(ctx, "你好，世界", "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.NotEmpty(t, res.Items[0].Data)
}

func TestNewTencentTTSBadAppID(t *testing.T) {
	_, err := NewTencentTTS(TencentConfig{AppID: "not-a-number"}, offload.NewPool(1))
	assert.Error(t, err)
}
