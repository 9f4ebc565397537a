package engine

import (
	"strings"
	"testing"
)

func testEngine(t *testing.T, target int) *Builtin {
	t.Helper()

	cfg := DefaultBuiltinConfig()
	cfg.EnrollTargetFrames = target
	eng, err := NewBuiltin(cfg)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	return eng
}

// voicedFrame returns a frame of loud alternating samples
func voicedFrame() []int16 {
	frame := make([]int16, FrameLength)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 12000
		} else {
			frame[i] = -12000
		}
	}
	return frame
}

func silentFrame() []int16 {
	return make([]int16, FrameLength)
}

func TestNewBuiltinValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  BuiltinConfig
	}{
		{"negative threshold", BuiltinConfig{VoiceThreshold: -0.1, EnrollTargetFrames: 10, MinUtteranceFrames: 1}},
		{"threshold above one", BuiltinConfig{VoiceThreshold: 1.5, EnrollTargetFrames: 10, MinUtteranceFrames: 1}},
		{"zero target frames", BuiltinConfig{VoiceThreshold: 0.01, EnrollTargetFrames: 0, MinUtteranceFrames: 1}},
		{"zero utterance frames", BuiltinConfig{VoiceThreshold: 0.01, EnrollTargetFrames: 10, MinUtteranceFrames: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBuiltin(tt.cfg); err == nil {
				t.Error("expected config rejection")
			}
		})
	}
}

func TestFrameLengthEnforced(t *testing.T) {
	eng := testEngine(t, 10)

	tr, err := eng.NewTranscriber()
	if err != nil {
		t.Fatalf("NewTranscriber failed: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Process(make([]int16, 256)); err == nil {
		t.Error("expected short frame rejection")
	}
	if _, err := tr.Process(make([]int16, 1024)); err == nil {
		t.Error("expected long frame rejection")
	}
}

func TestTranscriberEmitsOnSilenceBoundary(t *testing.T) {
	eng := testEngine(t, 10)

	tr, err := eng.NewTranscriber()
	if err != nil {
		t.Fatalf("NewTranscriber failed: %v", err)
	}
	defer tr.Close()

	var out strings.Builder

	// Five voiced frames: nothing emitted while the run is open.
	for i := 0; i < 5; i++ {
		text, err := tr.Process(voicedFrame())
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if text != "" {
			t.Fatalf("unexpected output mid-utterance: %q", text)
		}
	}

	// Silence closes the utterance.
	text, err := tr.Process(silentFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if text == "" {
		t.Fatal("expected utterance output at silence boundary")
	}
	out.WriteString(text)

	// A second utterance is separated from the first.
	for i := 0; i < 4; i++ {
		tr.Process(voicedFrame())
	}
	text, err = tr.Process(silentFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !strings.HasPrefix(text, " ") {
		t.Errorf("expected separator before second utterance, got %q", text)
	}
	out.WriteString(text)

	if got := out.String(); got != "[speech 0.2s] [speech 0.1s]" {
		t.Errorf("unexpected transcript: %q", got)
	}
}

func TestTranscriberShortRunIgnored(t *testing.T) {
	eng := testEngine(t, 10)

	tr, err := eng.NewTranscriber()
	if err != nil {
		t.Fatalf("NewTranscriber failed: %v", err)
	}
	defer tr.Close()

	// Two voiced frames are below the three frame minimum.
	tr.Process(voicedFrame())
	tr.Process(voicedFrame())

	text, err := tr.Process(silentFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if text != "" {
		t.Errorf("short voiced run must not produce output, got %q", text)
	}
}

func TestTranscriberFlushClosesOpenRun(t *testing.T) {
	eng := testEngine(t, 10)

	tr, err := eng.NewTranscriber()
	if err != nil {
		t.Fatalf("NewTranscriber failed: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 4; i++ {
		tr.Process(voicedFrame())
	}

	text, err := tr.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if text == "" {
		t.Error("expected Flush to emit the open utterance")
	}

	// Flush again: nothing buffered.
	text, err = tr.Flush()
	if err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if text != "" {
		t.Errorf("second Flush must be empty, got %q", text)
	}
}

func TestEnrollmentProgressAndExport(t *testing.T) {
	eng := testEngine(t, 4)

	e, err := eng.NewEnroller(nil)
	if err != nil {
		t.Fatalf("NewEnroller failed: %v", err)
	}
	defer e.Close()

	// Silence contributes nothing.
	pct, feedback, err := e.Process(silentFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if pct != 0 {
		t.Errorf("silence must not advance enrollment, got %d%%", pct)
	}
	if feedback != FeedbackNoVoiceFound {
		t.Errorf("expected NoVoiceFound for silence, got %v", feedback)
	}

	// Four voiced frames complete the enrollment.
	last := 0
	for i := 0; i < 4; i++ {
		pct, feedback, err = e.Process(voicedFrame())
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if pct < last {
			t.Fatalf("percentage went backwards: %d -> %d", last, pct)
		}
		if feedback != FeedbackAudioOK {
			t.Errorf("expected AudioOK for voiced frame, got %v", feedback)
		}
		last = pct
	}
	if last != 100 {
		t.Errorf("expected 100%%, got %d%%", last)
	}

	blob, err := e.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// The exported blob is usable as a recognizer profile.
	rec, err := eng.NewRecognizer([]SpeakerProfile{{Name: "alice", Data: blob}})
	if err != nil {
		t.Fatalf("NewRecognizer failed: %v", err)
	}
	defer rec.Close()

	scores, err := rec.Process(voicedFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected one score, got %d", len(scores))
	}
	// The same audio that built the profile must score highly.
	if scores[0] < 0.9 {
		t.Errorf("expected near-perfect score for enrolled audio, got %f", scores[0])
	}
}

func TestEnrollmentResume(t *testing.T) {
	eng := testEngine(t, 4)

	e1, err := eng.NewEnroller(nil)
	if err != nil {
		t.Fatalf("NewEnroller failed: %v", err)
	}
	e1.Process(voicedFrame())
	e1.Process(voicedFrame())

	partial, err := e1.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	e1.Close()

	// A fresh enroller seeded with the partial state continues at 50%.
	e2, err := eng.NewEnroller(partial)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	defer e2.Close()

	pct, _, err := e2.Process(voicedFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if pct != 75 {
		t.Errorf("expected resumed enrollment at 75%%, got %d%%", pct)
	}
}

func TestRecognizerRejectsBadBlobs(t *testing.T) {
	eng := testEngine(t, 4)

	bad := [][]byte{
		nil,
		[]byte("x"),
		[]byte("NOPE-not-a-profile"),
	}
	for _, blob := range bad {
		if _, err := eng.NewRecognizer([]SpeakerProfile{{Name: "p", Data: blob}}); err == nil {
			t.Errorf("expected rejection of blob %q", blob)
		}
	}
}

func TestRecognizerSilenceScoresZero(t *testing.T) {
	eng := testEngine(t, 2)

	e, _ := eng.NewEnroller(nil)
	e.Process(voicedFrame())
	e.Process(voicedFrame())
	blob, _ := e.Export()
	e.Close()

	rec, err := eng.NewRecognizer([]SpeakerProfile{{Name: "alice", Data: blob}})
	if err != nil {
		t.Fatalf("NewRecognizer failed: %v", err)
	}
	defer rec.Close()

	scores, err := rec.Process(silentFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if scores[0] != 0 {
		t.Errorf("silence must score zero, got %f", scores[0])
	}
}

func TestEmptyRecognizer(t *testing.T) {
	eng := testEngine(t, 4)

	rec, err := eng.NewRecognizer(nil)
	if err != nil {
		t.Fatalf("NewRecognizer failed: %v", err)
	}
	defer rec.Close()

	scores, err := rec.Process(voicedFrame())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("expected no scores without profiles, got %v", scores)
	}
}

func TestClosedInstancesRejectUse(t *testing.T) {
	eng := testEngine(t, 4)

	tr, _ := eng.NewTranscriber()
	tr.Close()
	tr.Close() // repeated Close is safe
	if _, err := tr.Process(voicedFrame()); err == nil {
		t.Error("expected closed transcriber to reject frames")
	}

	e, _ := eng.NewEnroller(nil)
	e.Close()
	if _, _, err := e.Process(voicedFrame()); err == nil {
		t.Error("expected closed enroller to reject frames")
	}
	if _, err := e.Export(); err == nil {
		t.Error("expected closed enroller to reject export")
	}
}

func TestFeedbackStrings(t *testing.T) {
	if FeedbackAudioOK.String() != "Good audio" {
		t.Errorf("unexpected message: %q", FeedbackAudioOK.String())
	}
	if FeedbackNoVoiceFound.String() != "No voice found in audio" {
		t.Errorf("unexpected message: %q", FeedbackNoVoiceFound.String())
	}
	if Feedback(99).String() != "Unknown feedback" {
		t.Errorf("unexpected message for unknown code: %q", Feedback(99).String())
	}
}
