package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/internal/config"
	"voicerelay/internal/upstream"
	"voicerelay/pkg/protocol"
)

// fakeGemini is a minimal Live API stand-in: it answers setup with
// setupComplete and echoes every audio chunk back as a model turn.
type fakeGemini struct {
	mu     sync.Mutex
	key    string
	cid    string
	setups int
	srv    *httptest.Server
}

func newFakeGemini(t *testing.T) *fakeGemini {
	t.Helper()
	f := &fakeGemini{}
	router := gin.New()
	router.GET("/live", func(c *gin.Context) {
		f.mu.Lock()
		f.key = c.Query("key")
		f.cid = c.GetHeader(cidpkg.HeaderName)
		f.mu.Unlock()

		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		f.serve(c.Request.Context(), conn)
	})
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGemini) serve(ctx context.Context, conn *websocket.Conn) {
	for {
		var env struct {
			Setup         json.RawMessage `json:"setup"`
			RealtimeInput *struct {
				Audio          *upstream.Blob `json:"audio"`
				AudioStreamEnd bool           `json:"audioStreamEnd"`
			} `json:"realtimeInput"`
		}
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		switch {
		case env.Setup != nil:
			f.mu.Lock()
			f.setups++
			f.mu.Unlock()
			_ = wsjson.Write(ctx, conn, map[string]any{"setupComplete": map[string]any{}})
		case env.RealtimeInput != nil && env.RealtimeInput.Audio != nil:
			_ = wsjson.Write(ctx, conn, map[string]any{
				"serverContent": map[string]any{
					"modelTurn": map[string]any{"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": env.RealtimeInput.Audio.Data}},
					}},
				},
			})
		case env.RealtimeInput != nil && env.RealtimeInput.AudioStreamEnd:
			_ = wsjson.Write(ctx, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		}
	}
}

func (f *fakeGemini) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/live"
}

func newTestServer(t *testing.T, baseURL, apiKey string) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.APIKey = apiKey
	s := NewServer(&cfg, &upstream.WebSocketDialer{BaseURL: baseURL, APIKey: apiKey})
	ts := httptest.NewServer(s.router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func dialVoice(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/voice", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readControl(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text message, got %v (%d bytes)", typ, len(data))
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("failed to parse %s: %v", data, err)
	}
	return msg
}

func TestVoiceSessionEndToEnd(t *testing.T) {
	gemini := newFakeGemini(t)
	s, ts := newTestServer(t, gemini.url(), "secret-key")

	cid := ksuid.New().String()
	conn := dialVoice(t, ts, http.Header{cidpkg.HeaderName: {cid}})

	msg := readControl(t, conn)
	if msg.Type != protocol.TypeConnection || msg.Status != protocol.StatusConnected || msg.ConnectionID == "" {
		t.Fatalf("expected connected event with id, got %+v", msg)
	}
	if _, ok := s.registry.Get(msg.ConnectionID); !ok {
		t.Fatalf("connection %s not registered", msg.ConnectionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write audio failed: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read audio failed: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != string(pcm) {
		t.Fatalf("expected echoed audio %v, got type=%v data=%v", pcm, typ, data)
	}

	if err := wsjson.Write(ctx, conn, protocol.Simple(protocol.TypeAudioStreamEnd)); err != nil {
		t.Fatalf("write audio_stream_end failed: %v", err)
	}
	if msg := readControl(t, conn); msg.Type != protocol.TypeTurnComplete {
		t.Fatalf("expected turn_complete, got %+v", msg)
	}

	if err := wsjson.Write(ctx, conn, protocol.Simple(protocol.TypePing)); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}
	if msg := readControl(t, conn); msg.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %+v", msg)
	}

	gemini.mu.Lock()
	defer gemini.mu.Unlock()
	if gemini.key != "secret-key" {
		t.Fatalf("expected upstream to receive api key, got %q", gemini.key)
	}
	if gemini.cid != cid {
		t.Fatalf("expected upstream to receive CID %s, got %q", cid, gemini.cid)
	}
	if gemini.setups != 1 {
		t.Fatalf("expected exactly one setup, got %d", gemini.setups)
	}
}

func TestVoiceWithoutAPIKey(t *testing.T) {
	_, ts := newTestServer(t, "ws://127.0.0.1:1/unused", "")
	conn := dialVoice(t, ts, nil)

	msg := readControl(t, conn)
	if msg.Type != protocol.TypeError || msg.Message != protocol.ErrMsgMissingAPIKey {
		t.Fatalf("expected missing key error, got %+v", msg)
	}
}

func TestVoiceUpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	_, ts := newTestServer(t, deadURL, "k")
	conn := dialVoice(t, ts, nil)

	msg := readControl(t, conn)
	if msg.Type != protocol.TypeError || msg.Message != protocol.ErrMsgUpstreamConnect {
		t.Fatalf("expected upstream connect error, got %+v", msg)
	}
}

func TestShutdownClosesClientsAndRejectsNew(t *testing.T) {
	gemini := newFakeGemini(t)
	s, ts := newTestServer(t, gemini.url(), "k")

	conn := dialVoice(t, ts, nil)
	if msg := readControl(t, conn); msg.Status != protocol.StatusConnected {
		t.Fatalf("expected connected, got %+v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// keep reading so the close handshake can complete
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}

	err := <-readErr
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v (%v)", status, err)
	}

	resp, err := http.Get(ts.URL + "/voice")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", resp.StatusCode)
	}
}
