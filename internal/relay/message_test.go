package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "valid message",
			msg:  Message{Username: "alice", Text: "hi", Ts: 1700000000000},
		},
		{
			name: "valid without timestamp",
			msg:  Message{Username: "alice", Text: "hi"},
		},
		{
			name:    "missing username",
			msg:     Message{Text: "hi"},
			wantErr: true,
		},
		{
			name:    "missing text",
			msg:     Message{Username: "alice"},
			wantErr: true,
		},
		{
			name:    "whitespace-only username",
			msg:     Message{Username: "   ", Text: "hi"},
			wantErr: true,
		},
		{
			name:    "whitespace-only text",
			msg:     Message{Username: "alice", Text: "\t\n"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMessage_Normalize(t *testing.T) {
	now := time.UnixMilli(1700000123456)

	t.Run("assigns wall clock when absent", func(t *testing.T) {
		m := Message{Username: "alice", Text: "hi"}
		m.Normalize(now)
		assert.Equal(t, now.UnixMilli(), m.Ts)
	})

	t.Run("treats negative as absent", func(t *testing.T) {
		m := Message{Username: "alice", Text: "hi", Ts: -5}
		m.Normalize(now)
		assert.Equal(t, now.UnixMilli(), m.Ts)
	})

	t.Run("preserves client timestamp", func(t *testing.T) {
		m := Message{Username: "alice", Text: "hi", Ts: 42}
		m.Normalize(now)
		assert.Equal(t, int64(42), m.Ts)
	})
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"username":"alice","text":"hi","ts":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, Message{Username: "alice", Text: "hi", Ts: 1700000000000}, msg)

	_, err = DecodeMessage([]byte(`{not json`))
	require.Error(t, err)
}

func TestEncodeMessage_WireShape(t *testing.T) {
	data, err := EncodeMessage(Message{Username: "alice", Text: "hi", Ts: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","text":"hi","ts":7}`, string(data))
}
