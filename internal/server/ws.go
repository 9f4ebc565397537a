package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propeluphigh/mend-server/internal/protocol"
	"github.com/propeluphigh/mend-server/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleStreamWS implements GET /stream: binary PCM chunks in, one
// transcript delta out per chunk.
func (h *HTTPServer) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(h.config.Session.MaxFeedBytes))
	h.metrics.RecordWSConnection()

	s, err := h.sessions.Open(session.ModeTranscribe, "")
	if err != nil {
		h.writeWS(conn, protocol.NewError(err.Error()))
		return
	}
	defer h.sessions.Close(s.ID)

	h.logger.Info("Transcription stream opened",
		slog.String("session_id", s.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Transcription stream read error",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if msgType != websocket.BinaryMessage {
			h.writeWS(conn, protocol.NewError("expected binary PCM chunks"))
			continue
		}

		update, err := h.sessions.Feed(s.ID, data)
		if err != nil {
			h.writeWS(conn, protocol.NewError(err.Error()))
			return
		}

		delta := protocol.NewTranscriptDelta(update.Transcript, update.SpeakerScores, update.MostLikelySpeaker)
		if !h.writeWS(conn, delta) {
			return
		}
	}

	// Client finished streaming: flush and report the final transcript.
	result, err := h.sessions.Finalize(s.ID)
	if err != nil {
		h.logger.Warn("Failed to finalize transcription stream",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.writeWS(conn, protocol.NewTranscriptDelta(result.Transcript, result.SpeakerScores, result.MostLikelySpeaker))
}

// handleEnrollWS implements GET /enroll/stream: a text message naming the
// profile, then binary PCM chunks; progress per chunk and a terminal
// enrollment result.
func (h *HTTPServer) handleEnrollWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(h.config.Session.MaxFeedBytes))
	h.metrics.RecordWSConnection()

	// The first message names the profile being enrolled.
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if msgType != websocket.TextMessage {
		h.writeWS(conn, protocol.NewError("first message must name the profile"))
		return
	}

	start, err := protocol.ParseEnrollStart(data)
	if err != nil {
		h.writeWS(conn, protocol.NewError(err.Error()))
		return
	}

	s, err := h.sessions.Open(session.ModeEnroll, start.ProfileName)
	if err != nil {
		h.writeWS(conn, protocol.NewError(err.Error()))
		return
	}
	defer h.sessions.Close(s.ID)

	h.logger.Info("Enrollment stream opened",
		slog.String("session_id", s.ID),
		slog.String("profile_name", start.ProfileName),
		slog.String("remote_addr", r.RemoteAddr),
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Enrollment stream read error",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if msgType != websocket.BinaryMessage {
			h.writeWS(conn, protocol.NewError("expected binary PCM chunks"))
			continue
		}

		update, err := h.sessions.Feed(s.ID, data)
		if err != nil {
			h.writeWS(conn, protocol.NewError(err.Error()))
			return
		}

		if !h.writeWS(conn, protocol.NewProgress(update.Percentage, update.Feedback)) {
			return
		}

		// Enough audio collected: finish without waiting for the client.
		if update.Percentage >= 100 {
			break
		}
	}

	result, err := h.sessions.Finalize(s.ID)
	if err != nil {
		h.writeWS(conn, protocol.NewError(err.Error()))
		return
	}

	resp := enrollResponse(result)
	h.writeWS(conn, protocol.NewEnrollResult(resp.Status, resp.Percentage, resp.Message))
}

// writeWS sends one JSON message, reporting whether the write succeeded
func (h *HTTPServer) writeWS(conn *websocket.Conn, msg any) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, protocol.Marshal(msg)); err != nil {
		h.logger.Debug("WebSocket write failed", slog.String("error", err.Error()))
		return false
	}
	h.metrics.RecordWSMessage()
	return true
}
