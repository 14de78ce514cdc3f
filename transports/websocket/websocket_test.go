package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sacmq/sacmq-go/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer sends every received piece straight back
func echoServer(t *testing.T) string {
	t.Helper()
	handler := NewHandler(func(ctx context.Context, conn *Conn) {
		conn.Receive(ctx, func(chunk []byte) {
			assert.NoError(t, conn.Send(ctx, chunk))
		})
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFramesSplitAcrossMessages(t *testing.T) {
	conn := dial(t, echoServer(t))
	codec := framing.NewDelimited()

	frame, err := codec.Encode([]byte(`{"sequenceId":1}`))
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		decoder := framing.NewDecoder(codec)
		conn.Receive(context.Background(), func(chunk []byte) {
			for payload, err := range decoder.Decode(chunk) {
				if assert.NoError(t, err) {
					got <- string(payload)
				}
			}
		})
	}()

	// The marker itself straddles the two messages
	cut := len(frame) - 3
	require.NoError(t, conn.Send(context.Background(), frame[:cut]))
	require.NoError(t, conn.Send(context.Background(), frame[cut:]))

	select {
	case payload := <-got:
		assert.Equal(t, `{"sequenceId":1}`, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not reassembled")
	}
}

func TestCloseEndsReceive(t *testing.T) {
	conn := dial(t, echoServer(t))

	done := make(chan error, 1)
	go func() {
		done <- conn.Receive(context.Background(), func([]byte) {})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop")
	}
	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestReceiveStopsOnContextCancel(t *testing.T) {
	conn := dial(t, echoServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Receive(ctx, func([]byte) {})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/none")
	assert.Error(t, err)
}
