package engine

// FrameLength is the number of PCM samples every engine call consumes.
// Frames shorter or longer than this are rejected.
const FrameLength = 512

// Feedback describes enrollment audio quality reported per frame batch.
type Feedback int

const (
	FeedbackAudioOK Feedback = iota
	FeedbackAudioTooShort
	FeedbackUnknownSpeaker
	FeedbackNoVoiceFound
	FeedbackQualityIssue
)

// feedbackMessages maps feedback codes to the messages sent to clients.
var feedbackMessages = map[Feedback]string{
	FeedbackAudioOK:        "Good audio",
	FeedbackAudioTooShort:  "Insufficient audio length",
	FeedbackUnknownSpeaker: "Different speaker in audio",
	FeedbackNoVoiceFound:   "No voice found in audio",
	FeedbackQualityIssue:   "Low audio quality due to bad microphone or environment",
}

// String returns the descriptive message for the feedback code.
func (f Feedback) String() string {
	if msg, ok := feedbackMessages[f]; ok {
		return msg
	}
	return "Unknown feedback"
}

// SpeakerProfile is a named enrollment blob loaded for scoring.
type SpeakerProfile struct {
	Name string
	Data []byte
}

// Transcriber converts ordered PCM frames into text. Instances hold
// order-sensitive decoding state and must never be shared across sessions.
type Transcriber interface {
	// Process consumes one frame and returns any newly decoded text,
	// which may be empty.
	Process(frame []int16) (string, error)

	// Flush returns any text still buffered in the decoder.
	Flush() (string, error)

	// Close releases engine resources. Safe to call more than once.
	Close()
}

// Enroller accumulates speaker characteristics across ordered frames.
// The reported percentage is monotonic within one instance.
type Enroller interface {
	// Process consumes one frame and returns the updated enrollment
	// percentage (0-100) with audio quality feedback.
	Process(frame []int16) (percentage int, feedback Feedback, err error)

	// Export serializes the current enrollment state as an opaque blob.
	// At 100% the blob is a complete speaker profile; below 100% it is
	// partial state a future Enroller can resume from.
	Export() ([]byte, error)

	// Close releases engine resources. Safe to call more than once.
	Close()
}

// Recognizer scores ordered PCM frames against a fixed set of speaker
// profiles supplied at creation time.
type Recognizer interface {
	// Process consumes one frame and returns one score per profile, in
	// the order the profiles were supplied.
	Process(frame []int16) ([]float64, error)

	// Close releases engine resources. Safe to call more than once.
	Close()
}

// Engine creates per-session processor instances. Implementations must be
// safe for concurrent use; the instances they return are not.
type Engine interface {
	// NewTranscriber acquires a fresh speech-to-text decoder.
	NewTranscriber() (Transcriber, error)

	// NewEnroller acquires a fresh profiler. A non-nil resume blob,
	// previously produced by Enroller.Export, seeds partial enrollment
	// state so enrollment can continue across sessions.
	NewEnroller(resume []byte) (Enroller, error)

	// NewRecognizer acquires a scorer bound to the given profiles.
	// Implementations accept an empty profile set and return a
	// recognizer that scores nothing.
	NewRecognizer(profiles []SpeakerProfile) (Recognizer, error)
}
