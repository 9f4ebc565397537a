package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// profileMagic marks serialized enrollment state blobs.
var profileMagic = [4]byte{'M', 'E', 'N', 'D'}

const profileVersion = uint8(1)

// BuiltinConfig tunes the built-in reference engine.
type BuiltinConfig struct {
	// VoiceThreshold is the normalized RMS energy (0..1) above which a
	// frame counts as voiced.
	VoiceThreshold float64

	// EnrollTargetFrames is the number of voiced frames required to
	// reach 100% enrollment. 625 frames is roughly 20 seconds of
	// continuous speech at 16 kHz / 512-sample frames.
	EnrollTargetFrames int

	// MinUtteranceFrames is the number of consecutive voiced frames
	// required before a silence boundary produces transcript output.
	MinUtteranceFrames int
}

// DefaultBuiltinConfig returns the default reference engine tuning.
func DefaultBuiltinConfig() BuiltinConfig {
	return BuiltinConfig{
		VoiceThreshold:     0.01,
		EnrollTargetFrames: 625,
		MinUtteranceFrames: 3,
	}
}

// Builtin is a deterministic, energy-based stand-in for the production
// speech engines. It implements the full Engine contract (ordered frames,
// monotonic enrollment, exportable profiles) so the session layer and its
// callers behave identically once real bindings are substituted.
//
// TODO: replace with the Picovoice Cheetah/Eagle cgo bindings behind the
// same interfaces for production builds.
type Builtin struct {
	cfg BuiltinConfig
}

// NewBuiltin creates the built-in reference engine.
func NewBuiltin(cfg BuiltinConfig) (*Builtin, error) {
	if cfg.VoiceThreshold < 0 || cfg.VoiceThreshold > 1 {
		return nil, fmt.Errorf("voice threshold must be between 0 and 1, got %f", cfg.VoiceThreshold)
	}

	if cfg.EnrollTargetFrames < 1 {
		return nil, fmt.Errorf("enroll target frames must be at least 1, got %d", cfg.EnrollTargetFrames)
	}

	if cfg.MinUtteranceFrames < 1 {
		return nil, fmt.Errorf("min utterance frames must be at least 1, got %d", cfg.MinUtteranceFrames)
	}

	return &Builtin{cfg: cfg}, nil
}

// NewTranscriber acquires a fresh transcriber instance.
func (b *Builtin) NewTranscriber() (Transcriber, error) {
	return &builtinTranscriber{cfg: b.cfg}, nil
}

// NewEnroller acquires a fresh enroller, optionally resuming from a
// previously exported partial state blob.
func (b *Builtin) NewEnroller(resume []byte) (Enroller, error) {
	e := &builtinEnroller{cfg: b.cfg}

	if len(resume) > 0 {
		state, err := parseProfileBlob(resume)
		if err != nil {
			return nil, fmt.Errorf("failed to resume enrollment state: %w", err)
		}
		e.voicedFrames = int(state.VoicedFrames)
		e.totalFrames = int(state.TotalFrames)
		e.energySum = state.EnergySum
	}

	return e, nil
}

// NewRecognizer acquires a scorer for the given profiles.
func (b *Builtin) NewRecognizer(profiles []SpeakerProfile) (Recognizer, error) {
	signatures := make([]float64, len(profiles))
	for i, p := range profiles {
		state, err := parseProfileBlob(p.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid profile %q: %w", p.Name, err)
		}
		if state.VoicedFrames == 0 {
			return nil, fmt.Errorf("invalid profile %q: no voiced audio enrolled", p.Name)
		}
		signatures[i] = state.EnergySum / float64(state.VoicedFrames)
	}

	return &builtinRecognizer{cfg: b.cfg, signatures: signatures}, nil
}

// frameEnergy computes the normalized RMS energy (0..1) of one frame.
func frameEnergy(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return rms / 32768.0
}

func checkFrame(frame []int16) error {
	if len(frame) != FrameLength {
		return fmt.Errorf("expected %d samples per frame, got %d", FrameLength, len(frame))
	}
	return nil
}

// profileState is the serialized enrollment state.
type profileState struct {
	VoicedFrames uint32
	TotalFrames  uint32
	EnergySum    float64
}

func encodeProfileBlob(state profileState) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(profileMagic[:])
	buf.WriteByte(profileVersion)
	if err := binary.Write(buf, binary.LittleEndian, state); err != nil {
		return nil, fmt.Errorf("failed to encode profile state: %w", err)
	}
	return buf.Bytes(), nil
}

func parseProfileBlob(blob []byte) (profileState, error) {
	var state profileState

	if len(blob) < len(profileMagic)+1 {
		return state, fmt.Errorf("profile blob too short: %d bytes", len(blob))
	}

	if !bytes.Equal(blob[:len(profileMagic)], profileMagic[:]) {
		return state, fmt.Errorf("profile blob has unknown format")
	}

	if blob[len(profileMagic)] != profileVersion {
		return state, fmt.Errorf("unsupported profile version: %d", blob[len(profileMagic)])
	}

	r := bytes.NewReader(blob[len(profileMagic)+1:])
	if err := binary.Read(r, binary.LittleEndian, &state); err != nil {
		return state, fmt.Errorf("failed to decode profile state: %w", err)
	}

	return state, nil
}

// builtinTranscriber emits an utterance marker whenever a run of voiced
// frames ends at a silence boundary, mirroring an endpoint-based decoder.
type builtinTranscriber struct {
	cfg        BuiltinConfig
	voicedRun  int
	utterances int
	closed     bool
}

func (t *builtinTranscriber) Process(frame []int16) (string, error) {
	if t.closed {
		return "", fmt.Errorf("transcriber is closed")
	}

	if err := checkFrame(frame); err != nil {
		return "", err
	}

	if frameEnergy(frame) >= t.cfg.VoiceThreshold {
		t.voicedRun++
		return "", nil
	}

	if t.voicedRun >= t.cfg.MinUtteranceFrames {
		delta := t.emitUtterance()
		t.voicedRun = 0
		return delta, nil
	}

	t.voicedRun = 0
	return "", nil
}

func (t *builtinTranscriber) Flush() (string, error) {
	if t.closed {
		return "", fmt.Errorf("transcriber is closed")
	}

	if t.voicedRun >= t.cfg.MinUtteranceFrames {
		delta := t.emitUtterance()
		t.voicedRun = 0
		return delta, nil
	}

	t.voicedRun = 0
	return "", nil
}

// emitUtterance produces the text for the just-ended voiced run. Output
// depends only on the frame sequence consumed so far, which keeps streaming
// and batch processing byte-identical over the same input.
func (t *builtinTranscriber) emitUtterance() string {
	seconds := float64(t.voicedRun*FrameLength) / 16000.0 // samples to seconds at 16 kHz
	text := fmt.Sprintf("[speech %.1fs]", seconds)
	if t.utterances > 0 {
		text = " " + text
	}
	t.utterances++
	return text
}

func (t *builtinTranscriber) Close() {
	t.closed = true
}

type builtinEnroller struct {
	cfg          BuiltinConfig
	voicedFrames int
	totalFrames  int
	energySum    float64
	closed       bool
}

func (e *builtinEnroller) Process(frame []int16) (int, Feedback, error) {
	if e.closed {
		return 0, FeedbackAudioTooShort, fmt.Errorf("enroller is closed")
	}

	if err := checkFrame(frame); err != nil {
		return 0, FeedbackAudioTooShort, err
	}

	e.totalFrames++

	energy := frameEnergy(frame)
	feedback := FeedbackNoVoiceFound

	if energy >= e.cfg.VoiceThreshold {
		e.voicedFrames++
		e.energySum += energy
		feedback = FeedbackAudioOK
	}

	return e.percentage(), feedback, nil
}

func (e *builtinEnroller) percentage() int {
	pct := e.voicedFrames * 100 / e.cfg.EnrollTargetFrames
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (e *builtinEnroller) Export() ([]byte, error) {
	if e.closed {
		return nil, fmt.Errorf("enroller is closed")
	}

	return encodeProfileBlob(profileState{
		VoicedFrames: uint32(e.voicedFrames),
		TotalFrames:  uint32(e.totalFrames),
		EnergySum:    e.energySum,
	})
}

func (e *builtinEnroller) Close() {
	e.closed = true
}

type builtinRecognizer struct {
	cfg        BuiltinConfig
	signatures []float64
	closed     bool
}

func (r *builtinRecognizer) Process(frame []int16) ([]float64, error) {
	if r.closed {
		return nil, fmt.Errorf("recognizer is closed")
	}

	if err := checkFrame(frame); err != nil {
		return nil, err
	}

	scores := make([]float64, len(r.signatures))

	energy := frameEnergy(frame)
	if energy < r.cfg.VoiceThreshold {
		return scores, nil // silence scores zero against every profile
	}

	for i, sig := range r.signatures {
		scores[i] = 1.0 / (1.0 + 50.0*math.Abs(energy-sig))
	}

	return scores, nil
}

func (r *builtinRecognizer) Close() {
	r.closed = true
}
