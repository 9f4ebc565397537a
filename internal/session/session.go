package session

import (
	"strings"
	"sync"
	"time"

	"github.com/propeluphigh/mend-server/internal/audio"
	"github.com/propeluphigh/mend-server/internal/engine"
)

// Mode identifies what a session does with the audio it receives
type Mode string

const (
	ModeEnroll     Mode = "enroll"
	ModeTranscribe Mode = "transcribe"
)

// Status represents the lifecycle state of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusClosed    Status = "closed"
)

// Update carries the aggregated engine output for one Feed call.
// Percentage and Feedback are set in enroll mode; Transcript,
// SpeakerScores and MostLikelySpeaker in transcribe mode.
type Update struct {
	Percentage        int
	Feedback          string
	Transcript        string
	SpeakerScores     map[string]float64
	MostLikelySpeaker *string
}

// Result is the terminal output of a session, produced by Finalize.
type Result struct {
	Mode              Mode
	Percentage        int
	Feedback          string
	ProfileSaved      bool
	Transcript        string
	SpeakerScores     map[string]float64
	MostLikelySpeaker *string
}

// Session represents one active enrollment or transcription session.
// All processing state is guarded by the session's own mutex so the
// manager can feed different sessions concurrently.
type Session struct {
	ID           string
	Mode         Mode
	ProfileName  string
	StartTime    time.Time
	LastActivity time.Time

	// Frame assembly
	assembler *audio.Assembler

	// Engine resources (exactly one set, depending on mode)
	enroller    engine.Enroller
	transcriber engine.Transcriber
	recognizer  engine.Recognizer

	// Profiles loaded for recognition, in recognizer score order
	profileNames []string

	// Aggregated output
	transcript strings.Builder
	percentage int
	feedback   engine.Feedback
	scoreSums  []float64
	scoreCount int

	// Lifecycle
	status   Status
	result   *Result
	released bool

	mu sync.Mutex
}

// Info represents session information for monitoring APIs
type Info struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	ProfileName  string    `json:"profile_name,omitempty"`
	Status       Status    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	DurationSecs float64   `json:"duration_seconds"`
	Percentage   int       `json:"percentage,omitempty"`

	Assembler audio.AssemblerStats `json:"assembler"`
}

// GetInfo returns a snapshot of the session for monitoring
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:           s.ID,
		Mode:         s.Mode,
		ProfileName:  s.ProfileName,
		Status:       s.status,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		DurationSecs: time.Since(s.StartTime).Seconds(),
		Percentage:   s.percentage,
		Assembler:    s.assembler.Stats(),
	}
}

// GetStatus returns the current lifecycle state of the session
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// releaseLocked closes the session's engine resources. Safe to call more
// than once; the caller must hold s.mu.
func (s *Session) releaseLocked() {
	if s.released {
		return
	}
	s.released = true

	if s.enroller != nil {
		s.enroller.Close()
	}
	if s.transcriber != nil {
		s.transcriber.Close()
	}
	if s.recognizer != nil {
		s.recognizer.Close()
	}
}

// sessionScores returns the running-average score per profile. The map is
// empty (never nil) when no profiles are loaded or no frames scored.
func (s *Session) sessionScores() map[string]float64 {
	scores := make(map[string]float64, len(s.profileNames))
	if s.scoreCount == 0 {
		return scores
	}
	for i, name := range s.profileNames {
		scores[name] = s.scoreSums[i] / float64(s.scoreCount)
	}
	return scores
}

// bestSpeaker picks the highest-scoring profile, or nil when no profile
// clears the confidence floor. Ties resolve to the first profile in load
// order, which is sorted by name.
func bestSpeaker(names []string, scores map[string]float64, floor float64) *string {
	var best *string
	bestScore := 0.0
	for _, name := range names {
		score, ok := scores[name]
		if !ok || score < floor {
			continue
		}
		if best == nil || score > bestScore {
			n := name
			best = &n
			bestScore = score
		}
	}
	return best
}
