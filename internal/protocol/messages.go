package protocol

import (
	"encoding/json"
	"fmt"
)

// Enrollment status values reported to clients.
const (
	StatusSuccess    = "success"
	StatusIncomplete = "incomplete"
	StatusError      = "error"
)

// Message type discriminators for streaming transports.
const (
	TypeProgress        = "progress"
	TypeEnrollResult    = "enroll_result"
	TypeTranscriptDelta = "transcript_delta"
	TypeError           = "error"
)

// Progress reports enrollment progress after a streamed chunk.
type Progress struct {
	Type       string `json:"type"`
	Percentage int    `json:"percentage"`
	Feedback   string `json:"feedback"`
}

// NewProgress creates a Progress message.
func NewProgress(percentage int, feedback string) Progress {
	return Progress{Type: TypeProgress, Percentage: percentage, Feedback: feedback}
}

// EnrollResult is the terminal response of an enrollment session.
type EnrollResult struct {
	Type       string `json:"type,omitempty"`
	Status     string `json:"status"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}

// NewEnrollResult creates an EnrollResult message for streaming transports.
func NewEnrollResult(status string, percentage int, message string) EnrollResult {
	return EnrollResult{Type: TypeEnrollResult, Status: status, Percentage: percentage, Message: message}
}

// TranscriptDelta carries incremental transcription output for one
// streamed chunk, with the current speaker estimate.
type TranscriptDelta struct {
	Type              string             `json:"type"`
	Transcript        string             `json:"transcript"`
	SpeakerScores     map[string]float64 `json:"speaker_scores"`
	MostLikelySpeaker *string            `json:"most_likely_speaker"`
}

// NewTranscriptDelta creates a TranscriptDelta message.
func NewTranscriptDelta(transcript string, scores map[string]float64, speaker *string) TranscriptDelta {
	return TranscriptDelta{
		Type:              TypeTranscriptDelta,
		Transcript:        transcript,
		SpeakerScores:     scores,
		MostLikelySpeaker: speaker,
	}
}

// TranscriptionResult is the final response of a transcription session.
type TranscriptionResult struct {
	Transcript        string             `json:"transcript"`
	SpeakerScores     map[string]float64 `json:"speaker_scores"`
	MostLikelySpeaker *string            `json:"most_likely_speaker"`
}

// ErrorMessage reports a failure on a streaming connection.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewError creates an ErrorMessage.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: msg}
}

// EnrollStart is the first client message on an enrollment stream.
type EnrollStart struct {
	ProfileName string `json:"profile_name"`
}

// ParseEnrollStart decodes and validates an enrollment stream opener.
func ParseEnrollStart(data []byte) (*EnrollStart, error) {
	var start EnrollStart
	if err := json.Unmarshal(data, &start); err != nil {
		return nil, fmt.Errorf("malformed enrollment start message: %w", err)
	}

	if start.ProfileName == "" {
		return nil, fmt.Errorf("profile name not provided")
	}

	return &start, nil
}

// Marshal serializes a message, falling back to an error payload if the
// message itself cannot be encoded.
func Marshal(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		data, _ = json.Marshal(NewError(fmt.Sprintf("failed to encode response: %v", err)))
	}
	return data
}
