package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCMessage(t *testing.T) {
	t.Run("NewRequest creates valid message", func(t *testing.T) {
		msg := NewRequest(42, "echo", json.RawMessage(`{"text":"hi"}`))

		assert.Equal(t, uint64(42), msg.SequenceID)
		assert.Equal(t, KindRequest, msg.Kind)
		assert.Equal(t, "echo", msg.Method)
		assert.NotZero(t, msg.Timestamp)

		_, err := uuid.Parse(msg.TraceID)
		assert.NoError(t, err)
	})

	t.Run("NewResponse keeps correlation with request", func(t *testing.T) {
		req := NewRequest(7, "echo", nil)
		resp := NewResponse(req, json.RawMessage(`"OK"`))

		assert.Equal(t, req.SequenceID, resp.SequenceID)
		assert.Equal(t, req.TraceID, resp.TraceID)
		assert.Equal(t, KindResponse, resp.Kind)
		assert.True(t, resp.IsSuccess())
		assert.False(t, resp.IsTimeout())
		assert.NoError(t, resp.Err())
	})

	t.Run("DecodeBody", func(t *testing.T) {
		msg := NewRequest(1, "echo", json.RawMessage(`{"text":"hi"}`))

		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, msg.DecodeBody(&body))
		assert.Equal(t, "hi", body.Text)

		empty := NewRequest(2, "echo", nil)
		assert.NoError(t, empty.DecodeBody(&body))
	})
}

func TestTimeout(t *testing.T) {
	msg := Timeout(9)

	assert.Equal(t, uint64(9), msg.SequenceID)
	assert.True(t, msg.IsTimeout())
	assert.False(t, msg.IsSuccess())

	err := msg.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, CodeTimeout))
	assert.False(t, errors.Is(err, CodeFail))

	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, uint64(9), respErr.SequenceID)
}

func TestFailure(t *testing.T) {
	msg := Failure(3, "malformed response")

	assert.False(t, msg.IsTimeout())
	assert.Equal(t, CodeFail.Code, msg.Code)
	assert.Equal(t, "malformed response", msg.Message)
	assert.True(t, errors.Is(msg.Err(), CodeFail))
}

func TestErrRequestHasNoError(t *testing.T) {
	assert.NoError(t, NewRequest(1, "echo", nil).Err())
	assert.NoError(t, NewOneway(1, "log", nil).Err())
}
