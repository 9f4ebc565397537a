package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propeluphigh/mend-server/internal/audio"
	"github.com/propeluphigh/mend-server/internal/config"
	"github.com/propeluphigh/mend-server/internal/engine"
	"github.com/propeluphigh/mend-server/internal/metrics"
	"github.com/propeluphigh/mend-server/internal/profile"
	"github.com/propeluphigh/mend-server/internal/protocol"
	"github.com/propeluphigh/mend-server/internal/session"
)

// Prometheus collectors register once per test binary.
var testMetrics = metrics.NewMetrics()

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{Port: 8080, Address: "127.0.0.1"},
		Audio: config.AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			BitDepth:       16,
			MaxUploadBytes: 16 << 20,
		},
		Engine: config.EngineConfig{
			ConfidenceFloor:    0.2,
			VoiceThreshold:     0.01,
			EnrollTargetFrames: 10, // enrolls quickly in tests
		},
		Profiles: config.ProfilesConfig{Dir: "profiles"},
		Session:  config.SessionConfig{IdleTimeout: 300, MaxFeedBytes: 1 << 20},
		Logging:  config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func newTestServer(t *testing.T) (*HTTPServer, *profile.Store) {
	t.Helper()
	return newTestServerWithConfig(t, testConfig())
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) (*HTTPServer, *profile.Store) {
	t.Helper()

	store, err := profile.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	engCfg := engine.DefaultBuiltinConfig()
	engCfg.VoiceThreshold = cfg.Engine.VoiceThreshold
	engCfg.EnrollTargetFrames = cfg.Engine.EnrollTargetFrames
	eng, err := engine.NewBuiltin(engCfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(logger, session.Config{
		IdleTimeout:     cfg.Session.GetIdleTimeout(),
		MaxFeedBytes:    cfg.Session.MaxFeedBytes,
		ConfidenceFloor: cfg.Engine.ConfidenceFloor,
	}, eng, store, testMetrics)
	t.Cleanup(sessions.Stop)

	return NewHTTPServer(logger, cfg, sessions, store, testMetrics), store
}

func testMux(t *testing.T) (*http.ServeMux, *profile.Store) {
	t.Helper()
	srv, store := newTestServer(t)
	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	return mux, store
}

// voicedPCM returns n frames of loud alternating samples that register as
// voiced audio with the built-in engine.
func voicedPCM(n int) []byte {
	samples := make([]int16, n*audio.FrameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 12000
		} else {
			samples[i] = -12000
		}
	}
	return audio.BytesFromSamples(samples)
}

func multipartAudio(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "test.raw")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	mw.Close()

	return &buf, mw.FormDataContentType()
}

func TestEnrollEndpoint(t *testing.T) {
	mux, store := testMux(t)

	body, contentType := multipartAudio(t, voicedPCM(15))
	req := httptest.NewRequest(http.MethodPost, "/enroll?profile_name=alice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp protocol.EnrollResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Errorf("expected success, got %q (%s)", resp.Status, resp.Message)
	}
	if resp.Percentage != 100 {
		t.Errorf("expected 100%%, got %d%%", resp.Percentage)
	}

	if _, err := store.Load("alice"); err != nil {
		t.Errorf("expected stored profile: %v", err)
	}
}

func TestEnrollEndpointIncomplete(t *testing.T) {
	mux, store := testMux(t)

	// Two voiced frames against a ten frame target.
	body, contentType := multipartAudio(t, voicedPCM(2))
	req := httptest.NewRequest(http.MethodPost, "/enroll?profile_name=bob", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp protocol.EnrollResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != protocol.StatusIncomplete {
		t.Errorf("expected incomplete, got %q", resp.Status)
	}
	if resp.Percentage >= 100 {
		t.Errorf("expected partial progress, got %d%%", resp.Percentage)
	}

	names, _ := store.List()
	if len(names) != 0 {
		t.Errorf("incomplete enrollment must not list a speaker: %v", names)
	}
}

func TestEnrollEndpointRejectsBadNames(t *testing.T) {
	mux, _ := testMux(t)

	for _, target := range []string{"/enroll", "/enroll?profile_name=..%2Fevil"} {
		body, contentType := multipartAudio(t, voicedPCM(1))
		req := httptest.NewRequest(http.MethodPost, target, body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	mux, _ := testMux(t)

	// Voiced audio followed by silence so the utterance closes.
	payload := append(voicedPCM(5), make([]byte, 2*audio.FrameBytes)...)

	body, contentType := multipartAudio(t, payload)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp protocol.TranscriptionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Transcript == "" {
		t.Error("expected non-empty transcript for voiced audio")
	}
	if resp.SpeakerScores == nil {
		t.Error("speaker_scores must be present even with no profiles")
	}
	if resp.MostLikelySpeaker != nil {
		t.Errorf("expected no speaker with empty store, got %q", *resp.MostLikelySpeaker)
	}
}

func TestTranscribeAcceptsWAV(t *testing.T) {
	mux, _ := testMux(t)

	samples := audio.SamplesFromBytes(voicedPCM(3))
	wav, err := audio.EncodeWAV(samples, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	body, contentType := multipartAudio(t, wav)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for WAV upload, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTranscribeMissingAudioField(t *testing.T) {
	mux, _ := testMux(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSpeakersEndpoint(t *testing.T) {
	mux, store := testMux(t)

	for _, name := range []string{"zoe", "alice"} {
		if err := store.Save(name, []byte("blob")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/speakers", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Speakers []string `json:"speakers"`
		Count    int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 speakers, got %d", resp.Count)
	}
	if len(resp.Speakers) != 2 || resp.Speakers[0] != "alice" || resp.Speakers[1] != "zoe" {
		t.Errorf("expected sorted [alice zoe], got %v", resp.Speakers)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	mux, _ := testMux(t)

	for _, target := range []string{"/health", "/sessions", "/config", "/stats", "/"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", target, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("%s: expected JSON, got %q", target, ct)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := testMux(t)

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/enroll"},
		{http.MethodGet, "/transcribe"},
		{http.MethodPost, "/speakers"},
		{http.MethodPost, "/health"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, nil)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tt.method, tt.target, rec.Code)
		}
	}
}

func TestStreamWebSocket(t *testing.T) {
	mux, _ := testMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Voiced audio then silence so the utterance closes mid-stream.
	chunks := [][]byte{voicedPCM(5), make([]byte, 2*audio.FrameBytes)}

	var streamed strings.Builder
	for _, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write failed: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		var delta protocol.TranscriptDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			t.Fatalf("failed to decode delta: %v", err)
		}
		if delta.Type != protocol.TypeTranscriptDelta {
			t.Fatalf("expected transcript_delta, got %q", delta.Type)
		}
		streamed.WriteString(delta.Transcript)
	}

	if streamed.Len() == 0 {
		t.Error("expected transcript output for voiced audio")
	}
}

func TestStreamWebSocketRejectsOversizedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxFeedBytes = 4096
	srv, _ := newTestServerWithConfig(t, cfg)
	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// A message beyond the feed limit must tear the connection down
	// instead of being buffered and handed to the session.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2*cfg.Session.MaxFeedBytes)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseMessageTooBig {
		t.Fatalf("expected message-too-big close, got %v", err)
	}
}

func TestEnrollWebSocket(t *testing.T) {
	mux, store := testMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/enroll/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	opener := protocol.Marshal(protocol.EnrollStart{ProfileName: "carol"})
	if err := conn.WriteMessage(websocket.TextMessage, opener); err != nil {
		t.Fatalf("write opener failed: %v", err)
	}

	// Stream voiced chunks until the server reports completion.
	var final *protocol.EnrollResult
	for i := 0; i < 20 && final == nil; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, voicedPCM(2)); err != nil {
			t.Fatalf("write chunk failed: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}

		switch probe.Type {
		case protocol.TypeProgress:
			// keep streaming
		case protocol.TypeEnrollResult:
			final = &protocol.EnrollResult{}
			if err := json.Unmarshal(data, final); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
		default:
			t.Fatalf("unexpected message type %q: %s", probe.Type, data)
		}
	}

	// The terminal result may follow the last progress message.
	if final == nil {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read final result failed: %v", err)
		}
		final = &protocol.EnrollResult{}
		if err := json.Unmarshal(data, final); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}

	if final.Status != protocol.StatusSuccess {
		t.Errorf("expected success, got %q (%s)", final.Status, final.Message)
	}

	if _, err := store.Load("carol"); err != nil {
		t.Errorf("expected stored profile: %v", err)
	}
}

func TestEnrollWebSocketRejectsMissingName(t *testing.T) {
	mux, _ := testMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/enroll/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("write opener failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg protocol.ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if msg.Type != protocol.TypeError {
		t.Errorf("expected error message, got %q", msg.Type)
	}
}
