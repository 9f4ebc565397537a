package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propeluphigh/mend-server/internal/audio"
	"github.com/propeluphigh/mend-server/internal/engine"
	"github.com/propeluphigh/mend-server/internal/metrics"
	"github.com/propeluphigh/mend-server/internal/profile"
)

// ErrUnknownSession is returned for an id no active session carries.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionNotActive is returned when feeding a finalized or failed session.
var ErrSessionNotActive = errors.New("session is not active")

// ErrFeedTooLarge is returned when a single Feed buffer exceeds the
// configured limit.
var ErrFeedTooLarge = errors.New("feed buffer exceeds configured limit")

// Config contains session manager configuration
type Config struct {
	// IdleTimeout is how long a session may go without a Feed before the
	// cleanup routine reclaims it.
	IdleTimeout time.Duration

	// MaxFeedBytes caps the size of a single Feed buffer.
	MaxFeedBytes int

	// ConfidenceFloor is the minimum average score a profile must clear
	// to be reported as the most likely speaker.
	ConfidenceFloor float64
}

// Manager owns all active sessions. It creates engine resources on Open,
// routes audio through each session's assembler on Feed, and guarantees
// the resources are released on Close or idle cleanup.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	logger  *slog.Logger
	cfg     Config
	engine  engine.Engine
	store   *profile.Store
	metrics *metrics.Metrics

	// Cleanup management
	done    chan struct{}
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its idle cleanup routine
func NewManager(logger *slog.Logger, cfg Config, eng engine.Engine, store *profile.Store, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		cfg:      cfg,
		engine:   eng,
		store:    store,
		metrics:  m,
	}

	mgr.done = make(chan struct{})
	mgr.cleanup = make(chan struct{})
	go mgr.startCleanupRoutine()

	return mgr
}

// Open creates a new session in the given mode. Enrollment sessions resume
// from parked partial state when the profile has an unfinished enrollment;
// transcription sessions load every stored profile for scoring.
func (m *Manager) Open(mode Mode, profileName string) (*Session, error) {
	assembler, err := audio.NewAssembler(audio.FrameBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame assembler: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		Mode:         mode,
		ProfileName:  profileName,
		StartTime:    now,
		LastActivity: now,
		assembler:    assembler,
		status:       StatusActive,
	}

	switch mode {
	case ModeEnroll:
		if err := profile.ValidateName(profileName); err != nil {
			return nil, err
		}

		resume, err := m.store.LoadPending(profileName)
		if err != nil {
			m.metrics.RecordProfileStoreError()
			return nil, fmt.Errorf("failed to load pending enrollment state: %w", err)
		}

		enroller, err := m.engine.NewEnroller(resume)
		if err != nil {
			return nil, fmt.Errorf("failed to create enroller: %w", err)
		}
		session.enroller = enroller

		if resume != nil {
			m.logger.Info("Resuming enrollment from parked state",
				slog.String("session_id", session.ID),
				slog.String("profile_name", profileName),
				slog.Int("state_bytes", len(resume)),
			)
		}

	case ModeTranscribe:
		profiles, names, err := m.loadProfiles()
		if err != nil {
			return nil, err
		}

		recognizer, err := m.engine.NewRecognizer(profiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}

		transcriber, err := m.engine.NewTranscriber()
		if err != nil {
			recognizer.Close()
			return nil, fmt.Errorf("failed to create transcriber: %w", err)
		}

		session.recognizer = recognizer
		session.transcriber = transcriber
		session.profileNames = names
		session.scoreSums = make([]float64, len(names))

	default:
		return nil, fmt.Errorf("unknown session mode %q", mode)
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.metrics.RecordSessionOpened(string(mode))

	m.logger.Info("Session opened",
		slog.String("session_id", session.ID),
		slog.String("mode", string(mode)),
		slog.String("profile_name", profileName),
	)

	return session, nil
}

// loadProfiles loads every stored profile blob in sorted name order
func (m *Manager) loadProfiles() ([]engine.SpeakerProfile, []string, error) {
	names, err := m.store.List()
	if err != nil {
		m.metrics.RecordProfileStoreError()
		return nil, nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	profiles := make([]engine.SpeakerProfile, 0, len(names))
	for _, name := range names {
		blob, err := m.store.Load(name)
		if err != nil {
			m.metrics.RecordProfileStoreError()
			return nil, nil, fmt.Errorf("failed to load profile %q: %w", name, err)
		}
		profiles = append(profiles, engine.SpeakerProfile{Name: name, Data: blob})
	}

	return profiles, names, nil
}

// Feed appends buf to the session's byte stream and processes every
// complete frame it yields, in order. The returned Update aggregates the
// engine output for exactly the frames this call completed.
func (m *Manager) Feed(id string, buf []byte) (*Update, error) {
	session, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if len(buf) > m.cfg.MaxFeedBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFeedTooLarge, len(buf), m.cfg.MaxFeedBytes)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, session.status)
	}

	session.LastActivity = time.Now()
	m.metrics.RecordBytesReceived(len(buf))

	frames := session.assembler.Feed(buf)
	if len(frames) == 0 {
		// Sub-frame chunk: buffered, nothing to process yet.
		return m.emptyUpdate(session), nil
	}

	update, err := m.processFrames(session, frames)
	if err != nil {
		session.status = StatusFailed
		// Whatever accumulated before the failure stays available for
		// diagnostics through Finalize.
		session.result = m.partialResult(session)
		session.releaseLocked()
		m.metrics.RecordSessionFailed()

		m.logger.Error("Session failed on engine error",
			slog.String("session_id", session.ID),
			slog.String("mode", string(session.Mode)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	m.metrics.RecordFramesProcessed(len(frames))
	return update, nil
}

// partialResult snapshots the session's accumulated state. The caller
// holds the session mutex.
func (m *Manager) partialResult(session *Session) *Result {
	result := &Result{
		Mode:       session.Mode,
		Percentage: session.percentage,
		Feedback:   session.feedback.String(),
		Transcript: session.transcript.String(),
	}
	if session.Mode == ModeTranscribe {
		scores := session.sessionScores()
		result.SpeakerScores = scores
		result.MostLikelySpeaker = bestSpeaker(session.profileNames, scores, m.cfg.ConfidenceFloor)
	}
	return result
}

// emptyUpdate builds an Update reflecting current state with no new output
func (m *Manager) emptyUpdate(session *Session) *Update {
	update := &Update{Percentage: session.percentage, Feedback: session.feedback.String()}
	if session.Mode == ModeTranscribe {
		scores := session.sessionScores()
		update.SpeakerScores = scores
		update.MostLikelySpeaker = bestSpeaker(session.profileNames, scores, m.cfg.ConfidenceFloor)
	}
	return update
}

// processFrames runs complete frames through the session's engine
// resources. The caller holds the session mutex.
func (m *Manager) processFrames(session *Session, frames [][]byte) (*Update, error) {
	switch session.Mode {
	case ModeEnroll:
		return m.processEnrollFrames(session, frames)
	case ModeTranscribe:
		return m.processTranscribeFrames(session, frames)
	default:
		return nil, fmt.Errorf("unknown session mode %q", session.Mode)
	}
}

func (m *Manager) processEnrollFrames(session *Session, frames [][]byte) (*Update, error) {
	for _, frame := range frames {
		pct, feedback, err := session.enroller.Process(audio.SamplesFromBytes(frame))
		if err != nil {
			return nil, fmt.Errorf("enrollment frame failed: %w", err)
		}

		// Engine percentages are monotonic per instance; max keeps the
		// session view monotonic even if an engine implementation dips.
		if pct > session.percentage {
			session.percentage = pct
		}
		session.feedback = feedback
	}

	return &Update{Percentage: session.percentage, Feedback: session.feedback.String()}, nil
}

func (m *Manager) processTranscribeFrames(session *Session, frames [][]byte) (*Update, error) {
	var delta strings.Builder
	chunkSums := make([]float64, len(session.profileNames))
	chunkCount := 0

	for _, frame := range frames {
		samples := audio.SamplesFromBytes(frame)

		text, err := session.transcriber.Process(samples)
		if err != nil {
			return nil, fmt.Errorf("transcription frame failed: %w", err)
		}
		if text != "" {
			delta.WriteString(text)
			session.transcript.WriteString(text)
		}

		scores, err := session.recognizer.Process(samples)
		if err != nil {
			return nil, fmt.Errorf("recognition frame failed: %w", err)
		}
		for i, score := range scores {
			chunkSums[i] += score
			session.scoreSums[i] += score
		}
		chunkCount++
	}
	session.scoreCount += chunkCount

	// Per-chunk scores give streaming clients a current estimate; the
	// session-wide averages feed the final result.
	chunkScores := make(map[string]float64, len(session.profileNames))
	for i, name := range session.profileNames {
		chunkScores[name] = chunkSums[i] / float64(chunkCount)
	}

	return &Update{
		Transcript:        delta.String(),
		SpeakerScores:     chunkScores,
		MostLikelySpeaker: bestSpeaker(session.profileNames, chunkScores, m.cfg.ConfidenceFloor),
	}, nil
}

// Finalize completes the session and returns its terminal result.
// Enrollment at 100% persists the profile and clears parked state; below
// 100% the partial state is parked for a later session to resume.
// Finalize is idempotent: repeated calls return the first result.
func (m *Manager) Finalize(id string) (*Result, error) {
	session, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	// Already finalized, or failed mid-stream: return what accumulated.
	if session.result != nil {
		return session.result, nil
	}

	// Trailing sub-frame bytes are dropped, never zero-padded.
	if dropped := session.assembler.Flush(); dropped > 0 {
		m.metrics.RecordFramesDropped(dropped)
		m.logger.Debug("Dropped trailing sub-frame remainder",
			slog.String("session_id", session.ID),
			slog.Int("bytes", dropped),
		)
	}

	var result *Result
	switch session.Mode {
	case ModeEnroll:
		result, err = m.finalizeEnroll(session)
	case ModeTranscribe:
		result, err = m.finalizeTranscribe(session)
	default:
		err = fmt.Errorf("unknown session mode %q", session.Mode)
	}
	if err != nil {
		return nil, err
	}

	session.result = result
	session.status = StatusCompleted
	session.releaseLocked()

	m.logger.Info("Session finalized",
		slog.String("session_id", session.ID),
		slog.String("mode", string(session.Mode)),
		slog.Duration("duration", time.Since(session.StartTime)),
	)

	return result, nil
}

func (m *Manager) finalizeEnroll(session *Session) (*Result, error) {
	blob, err := session.enroller.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export enrollment state: %w", err)
	}

	m.metrics.RecordEnrollmentFinalized(session.percentage)

	result := &Result{
		Mode:       ModeEnroll,
		Percentage: session.percentage,
		Feedback:   session.feedback.String(),
	}

	if session.percentage >= 100 {
		if err := m.store.Save(session.ProfileName, blob); err != nil {
			m.metrics.RecordProfileStoreError()
			return nil, fmt.Errorf("failed to save profile %q: %w", session.ProfileName, err)
		}
		if err := m.store.DeletePending(session.ProfileName); err != nil {
			m.logger.Warn("Failed to clear parked enrollment state",
				slog.String("profile_name", session.ProfileName),
				slog.String("error", err.Error()),
			)
		}

		result.ProfileSaved = true
		m.metrics.RecordProfileSaved()
		m.metrics.RecordEnrollmentCompleted()

		m.logger.Info("Speaker profile enrolled",
			slog.String("session_id", session.ID),
			slog.String("profile_name", session.ProfileName),
			slog.Int("blob_bytes", len(blob)),
		)
		return result, nil
	}

	// Park partial state so enrollment can continue in a later session.
	if err := m.store.SavePending(session.ProfileName, blob); err != nil {
		m.metrics.RecordProfileStoreError()
		return nil, fmt.Errorf("failed to park enrollment state for %q: %w", session.ProfileName, err)
	}

	m.logger.Info("Enrollment incomplete, state parked",
		slog.String("session_id", session.ID),
		slog.String("profile_name", session.ProfileName),
		slog.Int("percentage", session.percentage),
	)
	return result, nil
}

func (m *Manager) finalizeTranscribe(session *Session) (*Result, error) {
	tail, err := session.transcriber.Flush()
	if err != nil {
		return nil, fmt.Errorf("failed to flush transcriber: %w", err)
	}
	if tail != "" {
		session.transcript.WriteString(tail)
	}

	scores := session.sessionScores()
	return &Result{
		Mode:              ModeTranscribe,
		Transcript:        session.transcript.String(),
		SpeakerScores:     scores,
		MostLikelySpeaker: bestSpeaker(session.profileNames, scores, m.cfg.ConfidenceFloor),
	}, nil
}

// Close removes the session and releases its engine resources. An active
// enrollment session with progress is parked first so the enrollment can
// resume later. Closing an unknown id is not an error.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	session.mu.Lock()
	if session.status == StatusActive && session.Mode == ModeEnroll && session.percentage > 0 {
		// Abrupt disconnect mid-enrollment: park what we have.
		if blob, err := session.enroller.Export(); err == nil {
			if err := m.store.SavePending(session.ProfileName, blob); err != nil {
				m.metrics.RecordProfileStoreError()
				m.logger.Warn("Failed to park enrollment state on close",
					slog.String("profile_name", session.ProfileName),
					slog.String("error", err.Error()),
				)
			}
		} else {
			m.logger.Warn("Failed to export enrollment state on close",
				slog.String("profile_name", session.ProfileName),
				slog.String("error", err.Error()),
			)
		}
	}
	if session.status == StatusActive {
		session.status = StatusClosed
	}
	session.releaseLocked()
	duration := time.Since(session.StartTime)
	session.mu.Unlock()

	m.metrics.RecordSessionClosed(duration.Seconds())

	m.logger.Info("Session closed",
		slog.String("session_id", id),
		slog.String("mode", string(session.Mode)),
		slog.Duration("duration", duration),
	)
}

// Get retrieves an active session by id
func (m *Manager) Get(id string) (*Session, error) {
	return m.lookup(id)
}

// ActiveCount returns the number of currently active sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Infos returns a snapshot of all active sessions for monitoring
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetInfo())
	}
	return infos
}

// Stop gracefully stops the manager, closing every remaining session
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}

	close(m.done)
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.ActiveCount()),
	)
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return session, nil
}

// startCleanupRoutine runs in a separate goroutine to reclaim idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
		slog.Duration("check_interval", 30*time.Second),
	)

	for {
		select {
		case <-m.done:
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions closes sessions that have gone too long without a Feed
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.Lock()
		lastActivity := session.LastActivity
		session.mu.Unlock()

		if now.Sub(lastActivity) > m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.Close(id)
		}
	}
}
