package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeControlFrame(t *testing.T) {
	t.Run("replay is base64", func(t *testing.T) {
		raw, err := EncodeControlFrame(ReplayFrame{Data: []byte("hi\x1b[0m")})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"replay","data":"aGkbWzBt"}`, string(raw))
	})

	t.Run("empty replay still carries data", func(t *testing.T) {
		raw, err := EncodeControlFrame(ReplayFrame{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"replay","data":""}`, string(raw))
	})

	t.Run("status and exit", func(t *testing.T) {
		raw, err := EncodeControlFrame(StatusFrame{Value: SessionTyping})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"status","value":"typing"}`, string(raw))

		raw, err = EncodeControlFrame(ExitFrame{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"exit"}`, string(raw))
	})
}

func TestDecodeControlFrame(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ControlFrame
	}{
		{"resize", `{"type":"resize","cols":120,"rows":40}`, ResizeFrame{Cols: 120, Rows: 40}},
		{"replay", `{"type":"replay","data":"aGVsbG8="}`, ReplayFrame{Data: []byte("hello")}},
		{"status", `{"type":"status","value":"thinking"}`, StatusFrame{Value: SessionThinking}},
		{"exit", `{"type":"exit"}`, ExitFrame{}},
		{"error", `{"type":"error","message":"boom"}`, ErrorFrame{Message: "boom"}},
		{"resumed", `{"type":"resumed"}`, ResumedFrame{}},
		{"resume", ` {"type":"resume"} `, ResumeFrame{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeControlFrame([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("keystrokes are not control frames", func(t *testing.T) {
		for _, in := range []string{"ls -la\r", "{", "", `{"cols":3}`, `["type"]`} {
			_, err := DecodeControlFrame([]byte(in))
			assert.ErrorIs(t, err, ErrNotControl, in)
		}
	})

	t.Run("typed frames with bad fields are malformed", func(t *testing.T) {
		for _, in := range []string{
			`{"type":"resize","cols":70000,"rows":40}`,
			`{"type":"resize","cols":-1}`,
			`{"type":"exit","code":"zero"}`,
			`{"type":"replay","data":"%%%"}`,
		} {
			_, err := DecodeControlFrame([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedFrame, in)
			assert.NotErrorIs(t, err, ErrNotControl, in)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeControlFrame([]byte(`{"type":"telemetry"}`))
		assert.ErrorIs(t, err, ErrUnknownFrame)
	})

	t.Run("round trip through encoder", func(t *testing.T) {
		code := 3
		raw, err := EncodeControlFrame(ExitFrame{Code: &code})
		require.NoError(t, err)

		got, err := DecodeControlFrame(raw)
		require.NoError(t, err)
		require.IsType(t, ExitFrame{}, got)
		assert.Equal(t, 3, *got.(ExitFrame).Code)
	})
}

func TestTaskHelpers(t *testing.T) {
	assert.Equal(t, "fix-the-login-bug", Slugify("  Fix the Login bug!! "))
	assert.Equal(t, "task", Slugify("???"))

	task := &Task{Spec: "   \n\t  "}
	assert.False(t, task.HasSpec())
	task.Spec = "do X"
	assert.True(t, task.HasSpec())

	assert.True(t, StatusNotStarted.CanHandover())
	assert.False(t, StatusReview.CanHandover())
	assert.Equal(t, "In Progress", StatusInProgress.DisplayName())

	raw, err := json.Marshal(&Task{ID: "a", Status: StatusBacklog})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sessionId")
}
