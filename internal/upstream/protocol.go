package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ModalityAudio = "AUDIO"

	// ActivityHandlingInterrupts makes the start of user speech cut off any
	// response that is still being generated.
	ActivityHandlingInterrupts = "START_OF_ACTIVITY_INTERRUPTS"

	StartSensitivityHigh = "START_SENSITIVITY_HIGH"
	StartSensitivityLow  = "START_SENSITIVITY_LOW"
	EndSensitivityHigh   = "END_SENSITIVITY_HIGH"
	EndSensitivityLow    = "END_SENSITIVITY_LOW"

	DefaultInputMIMEType = "audio/pcm;rate=16000"
)

// SessionConfig is everything that goes into the setup envelope.
type SessionConfig struct {
	Model             string    `yaml:"model"`
	Voice             string    `yaml:"voice"`
	SystemInstruction string    `yaml:"system_instruction"`
	InputMIMEType     string    `yaml:"input_mime_type"`
	VAD               VADConfig `yaml:"vad"`
}

// VADConfig tunes the provider's automatic speech activity detection.
type VADConfig struct {
	Disabled          bool   `yaml:"disabled"`
	StartSensitivity  string `yaml:"start_sensitivity"`
	EndSensitivity    string `yaml:"end_sensitivity"`
	PrefixPaddingMs   int    `yaml:"prefix_padding_ms"`
	SilenceDurationMs int    `yaml:"silence_duration_ms"`
}

// Outbound envelopes

type clientEnvelope struct {
	Setup         *setup         `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type setup struct {
	Model               string              `json:"model"`
	GenerationConfig    generationConfig    `json:"generationConfig"`
	SystemInstruction   *Content            `json:"systemInstruction,omitempty"`
	RealtimeInputConfig realtimeInputConfig `json:"realtimeInputConfig"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
	ActivityHandling           string                     `json:"activityHandling"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeInput struct {
	Audio          *Blob     `json:"audio,omitempty"`
	AudioStreamEnd bool      `json:"audioStreamEnd,omitempty"`
	ActivityStart  *struct{} `json:"activityStart,omitempty"`
}

// Blob is base64 media with its MIME type.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Decode returns the raw bytes carried by the blob.
func (b *Blob) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	return raw, nil
}

// IsAudio reports whether the blob carries audio.
func (b *Blob) IsAudio() bool {
	return b.MIMEType == "" || strings.HasPrefix(b.MIMEType, "audio/")
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Inbound envelopes

// ServerMessage is one envelope received from the upstream session. Exactly
// one of the top-level fields is normally set.
type ServerMessage struct {
	SetupComplete *struct{}       `json:"setupComplete,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
	GoAway        *GoAway         `json:"goAway,omitempty"`
	UsageMetadata json.RawMessage `json:"usageMetadata,omitempty"`
}

type ServerContent struct {
	ModelTurn          *Content `json:"modelTurn,omitempty"`
	GenerationComplete bool     `json:"generationComplete,omitempty"`
	Interrupted        bool     `json:"interrupted,omitempty"`
	TurnComplete       bool     `json:"turnComplete,omitempty"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ModelName normalises a bare model id to the "models/<id>" form the setup
// envelope expects.
func ModelName(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// NewSetupMessage builds the one-time session setup envelope.
func NewSetupMessage(cfg SessionConfig) ([]byte, error) {
	if strings.TrimSpace(strings.TrimPrefix(cfg.Model, "models/")) == "" {
		return nil, fmt.Errorf("%w: model is empty", ErrInvalidSession)
	}
	s := &setup{
		Model: ModelName(cfg.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{ModalityAudio},
		},
		RealtimeInputConfig: realtimeInputConfig{
			AutomaticActivityDetection: automaticActivityDetection{
				Disabled:                 cfg.VAD.Disabled,
				StartOfSpeechSensitivity: cfg.VAD.StartSensitivity,
				EndOfSpeechSensitivity:   cfg.VAD.EndSensitivity,
				PrefixPaddingMs:          cfg.VAD.PrefixPaddingMs,
				SilenceDurationMs:        cfg.VAD.SilenceDurationMs,
			},
			ActivityHandling: ActivityHandlingInterrupts,
		},
	}
	if cfg.Voice != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		s.SystemInstruction = &Content{Parts: []Part{{Text: cfg.SystemInstruction}}}
	}
	return marshal(clientEnvelope{Setup: s})
}

// NewAudioInput wraps raw client audio in a realtime-input envelope.
func NewAudioInput(pcm []byte, mimeType string) ([]byte, error) {
	if mimeType == "" {
		mimeType = DefaultInputMIMEType
	}
	return marshal(clientEnvelope{RealtimeInput: &realtimeInput{
		Audio: &Blob{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

// NewAudioStreamEnd tells the upstream the client microphone stream stopped.
func NewAudioStreamEnd() ([]byte, error) {
	return marshal(clientEnvelope{RealtimeInput: &realtimeInput{AudioStreamEnd: true}})
}

// NewActivityStart signals the start of user activity, which the upstream
// treats as an interruption of the current turn.
func NewActivityStart() ([]byte, error) {
	return marshal(clientEnvelope{RealtimeInput: &realtimeInput{ActivityStart: &struct{}{}}})
}

// ParseServerMessage decodes an upstream envelope.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &msg, nil
}

func marshal(env clientEnvelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream envelope: %w", err)
	}
	return b, nil
}
