package upstream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetupMessage(t *testing.T) {
	cfg := SessionConfig{
		Model:             "gemini-2.0-flash-live-001",
		Voice:             "Puck",
		SystemInstruction: "You are Rev.",
		VAD: VADConfig{
			StartSensitivity:  StartSensitivityHigh,
			EndSensitivity:    EndSensitivityHigh,
			PrefixPaddingMs:   20,
			SilenceDurationMs: 100,
		},
	}

	raw, err := NewSetupMessage(cfg)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Len(t, env, 1, "setup envelope carries only the setup field")

	s := env["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-2.0-flash-live-001", s["model"])

	gen := s["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	assert.Equal(t, "Puck", voice["voiceName"])

	instr := s["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)
	assert.Equal(t, "You are Rev.", instr["text"])

	ric := s["realtimeInputConfig"].(map[string]any)
	assert.Equal(t, ActivityHandlingInterrupts, ric["activityHandling"])
	aad := ric["automaticActivityDetection"].(map[string]any)
	assert.Equal(t, false, aad["disabled"])
	assert.Equal(t, StartSensitivityHigh, aad["startOfSpeechSensitivity"])
	assert.Equal(t, EndSensitivityHigh, aad["endOfSpeechSensitivity"])
	assert.EqualValues(t, 20, aad["prefixPaddingMs"])
	assert.EqualValues(t, 100, aad["silenceDurationMs"])
}

func TestNewSetupMessageRequiresModel(t *testing.T) {
	for _, model := range []string{"", "  ", "models/"} {
		_, err := NewSetupMessage(SessionConfig{Model: model, Voice: "Puck"})
		assert.ErrorIs(t, err, ErrInvalidSession, "model %q", model)
	}
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "models/x", ModelName("x"))
	assert.Equal(t, "models/x", ModelName("models/x"))
}

func TestNewAudioInput(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0xfe, 0xff}
	raw, err := NewAudioInput(pcm, "")
	require.NoError(t, err)

	var env struct {
		RealtimeInput struct {
			Audio Blob `json:"audio"`
		} `json:"realtimeInput"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, DefaultInputMIMEType, env.RealtimeInput.Audio.MIMEType)

	decoded, err := base64.StdEncoding.DecodeString(env.RealtimeInput.Audio.Data)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)
}

func TestControlEnvelopes(t *testing.T) {
	end, err := NewAudioStreamEnd()
	require.NoError(t, err)
	assert.JSONEq(t, `{"realtimeInput":{"audioStreamEnd":true}}`, string(end))

	start, err := NewActivityStart()
	require.NoError(t, err)
	assert.JSONEq(t, `{"realtimeInput":{"activityStart":{}}}`, string(start))
}

func TestParseServerMessage(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))
	tests := []struct {
		name  string
		in    string
		check func(t *testing.T, m *ServerMessage)
	}{
		{
			name: "setup complete",
			in:   `{"setupComplete":{}}`,
			check: func(t *testing.T, m *ServerMessage) {
				assert.NotNil(t, m.SetupComplete)
				assert.Nil(t, m.ServerContent)
			},
		},
		{
			name: "model turn audio",
			in:   `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}]}}}`,
			check: func(t *testing.T, m *ServerMessage) {
				require.NotNil(t, m.ServerContent)
				require.NotNil(t, m.ServerContent.ModelTurn)
				blob := m.ServerContent.ModelTurn.Parts[0].InlineData
				require.NotNil(t, blob)
				assert.True(t, blob.IsAudio())
				b, err := blob.Decode()
				require.NoError(t, err)
				assert.Equal(t, []byte("pcm"), b)
			},
		},
		{
			name: "turn signals",
			in:   `{"serverContent":{"generationComplete":true,"interrupted":true,"turnComplete":true}}`,
			check: func(t *testing.T, m *ServerMessage) {
				require.NotNil(t, m.ServerContent)
				assert.True(t, m.ServerContent.GenerationComplete)
				assert.True(t, m.ServerContent.Interrupted)
				assert.True(t, m.ServerContent.TurnComplete)
			},
		},
		{
			name: "go away",
			in:   `{"goAway":{"timeLeft":"10s"}}`,
			check: func(t *testing.T, m *ServerMessage) {
				require.NotNil(t, m.GoAway)
				assert.Equal(t, "10s", m.GoAway.TimeLeft)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseServerMessage([]byte(tt.in))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestParseServerMessageMalformed(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"serverContent":`))
	assert.True(t, errors.Is(err, ErrMalformedEnvelope))
}

func TestBlobDecodeInvalid(t *testing.T) {
	b := &Blob{MIMEType: "audio/pcm", Data: "!!not-base64!!"}
	_, err := b.Decode()
	assert.True(t, errors.Is(err, ErrInvalidAudio))
}
