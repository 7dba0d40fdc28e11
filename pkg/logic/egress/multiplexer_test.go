package egress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"talkstream/internal/protocol/voice"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type written struct {
	kind int
	data []byte
}

// fakeConn 记录写出的消息；gate 非空时每次写入前等待放行
type fakeConn struct {
	mu      sync.Mutex
	msgs    []written
	gate    chan struct{}
	failAt  int
	entered chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{failAt: -1, entered: make(chan struct{}, 100)}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.entered <- struct{}{}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt >= 0 && len(c.msgs) == c.failAt {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, written{kind: kind, data: data})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) messages() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.msgs...)
}

func waitDone(t *testing.T, m *Multiplexer) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestOrderPreserved(t *testing.T) {
	conn := newFakeConn()
	m := New(conn, Options{})
	m.Start()

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			require.NoError(t, m.SendBinary([]byte{byte(i)}))
		} else {
			require.NoError(t, m.SendEvent(voice.Response(fmt.Sprint(i))))
		}
	}
	m.Close()
	waitDone(t, m)
	require.NoError(t, m.Err())

	msgs := conn.messages()
	require.Len(t, msgs, 50)
	for i, msg := range msgs {
		if i%2 == 0 {
			assert.Equal(t, websocket.BinaryMessage, msg.kind)
			assert.Equal(t, []byte{byte(i)}, msg.data)
			continue
		}
		var evt voice.Event
		require.NoError(t, json.Unmarshal(msg.data, &evt))
		assert.Equal(t, fmt.Sprint(i), evt.Text)
	}
}

func TestCloseRejectsLaterSends(t *testing.T) {
	m := New(newFakeConn(), Options{})
	m.Start()
	m.Close()
	m.Close()
	waitDone(t, m)

	assert.ErrorIs(t, m.SendBinary([]byte{1}), ErrClosed)
}

func TestDrainDropsPending(t *testing.T) {
	conn := newFakeConn()
	conn.gate = make(chan struct{})
	m := New(conn, Options{})
	m.Start()

	require.NoError(t, m.SendAudio(1, []byte{1}))
	<-conn.entered // 第一帧正在写出
	for i := 2; i <= 5; i++ {
		require.NoError(t, m.SendAudio(1, []byte{byte(i)}))
	}

	assert.Equal(t, 4, m.Drain())
	assert.Equal(t, 0, m.Pending())
	require.NoError(t, m.SendEvent(voice.InterruptionHandshake()))
	m.Close()
	close(conn.gate)
	waitDone(t, m)

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte{1}, msgs[0].data)
	assert.JSONEq(t, `{"type":"interruption_handshake"}`, string(msgs[1].data))
}

func TestStaleTurnFramesDropped(t *testing.T) {
	conn := newFakeConn()
	m := New(conn, Options{})

	require.NoError(t, m.SendAudio(1, []byte("old")))
	require.NoError(t, m.SendEvent(voice.Processing()))
	m.SetMinTurn(2)
	require.NoError(t, m.SendAudio(2, []byte("new")))
	m.Close()
	m.Start()
	waitDone(t, m)

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"type":"processing"}`, string(msgs[0].data))
	assert.Equal(t, []byte("new"), msgs[1].data)
}

func TestWriteFailureStopsSender(t *testing.T) {
	conn := newFakeConn()
	conn.failAt = 1
	m := New(conn, Options{})
	m.Start()

	require.NoError(t, m.SendBinary([]byte{1}))
	require.NoError(t, m.SendBinary([]byte{2}))
	waitDone(t, m)

	assert.Error(t, m.Err())
	assert.ErrorIs(t, m.SendBinary([]byte{3}), ErrClosed)
	assert.Len(t, conn.messages(), 1)
}
