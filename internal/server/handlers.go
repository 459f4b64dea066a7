package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/loquax/internal/conversation"
	"github.com/MrWong99/loquax/internal/stream"
	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/types"
)

// messageRequest is the JSON body of the message endpoints.
type messageRequest struct {
	Text       string  `json:"text"`
	SessionID  string  `json:"session_id,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	OutputMode string  `json:"output_mode,omitempty"`
	Voice      string  `json:"voice,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	Debug      bool    `json:"debug,omitempty"`
}

// toConversationRequest maps the wire body onto the service request.
func (m messageRequest) toConversationRequest() conversation.Request {
	req := conversation.Request{
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		Text:       m.Text,
		OutputMode: m.OutputMode,
		Debug:      m.Debug,
	}
	if m.Voice != "" || m.Speed != 0 || m.Pitch != 0 || m.Volume != 0 {
		req.Voice = types.VoiceProfile{
			ID:          m.Voice,
			SpeedFactor: m.Speed,
			PitchShift:  m.Pitch,
			VolumeGain:  m.Volume,
		}
	}
	return req
}

// errorBody is the JSON error envelope. Kind is the stable machine-readable
// code; Message is safe to show to end users.
type errorBody struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// auth verifies the X-API-Key header (or a bearer token) when keys are
// configured. With no keys configured the routes are open.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" {
			writeError(w, fault.New(fault.KindAuthDenied, "An API key is required."))
			return
		}
		if _, ok := s.apiKeys[key]; !ok {
			writeErrorStatus(w, http.StatusForbidden, fault.New(fault.KindAuthDenied, "The API key is not valid."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Buffered endpoints ──────────────────────────────────────────────────────

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMessage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.Message(r.Context(), req.toConversationRequest())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessageAudio(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeAudioMessage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.Message(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	msgs, err := s.svc.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := s.svc.Clear(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sessionID,
	})
}

// ─── Streaming endpoints ─────────────────────────────────────────────────────

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMessage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, req.toConversationRequest())
}

func (s *Server) handleMessageAudioStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeAudioMessage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, req)
}

// serveStream runs one streaming turn and drains it to the client as SSE.
// Stream-level failures surface as terminal error events, not HTTP statuses,
// because headers are already flushed by the time a turn can fail.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, req conversation.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	st := stream.New(stream.WithCancel(cancel))
	go func() {
		defer st.CloseSend()
		if _, err := s.svc.MessageStream(ctx, req, st); err != nil {
			slog.Debug("streaming turn ended with error", "kind", fault.KindOf(err), "err", err)
		}
	}()

	if err := stream.WriteSSE(w, r, st); err != nil {
		slog.Debug("sse writer stopped", "err", err)
	}
}

// ─── Request decoding ────────────────────────────────────────────────────────

// decodeMessage parses the JSON body shared by the text endpoints.
func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (messageRequest, error) {
	var req messageRequest
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return messageRequest{}, fault.Wrap(fault.KindInputInvalid, "The request body is not valid JSON.", err)
	}
	return req, nil
}

// decodeAudioMessage parses the multipart form of the audio endpoints. The
// audio file is read from the "audio" part; the remaining fields mirror the
// JSON body.
func (s *Server) decodeAudioMessage(w http.ResponseWriter, r *http.Request) (conversation.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := r.ParseMultipartForm(s.maxBodyBytes); err != nil {
		return conversation.Request{}, fault.Wrap(fault.KindInputInvalid, "The request is not a valid multipart form.", err)
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		return conversation.Request{}, fault.Wrap(fault.KindInputInvalid, "The form is missing an audio file.", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return conversation.Request{}, fault.Wrap(fault.KindInputInvalid, "The audio upload could not be read.", err)
	}

	req := conversation.Request{
		SessionID:   r.FormValue("session_id"),
		UserID:      r.FormValue("user_id"),
		Audio:       data,
		AudioFormat: r.FormValue("format"),
		OutputMode:  r.FormValue("output_mode"),
	}
	if v := r.FormValue("voice"); v != "" {
		req.Voice = types.VoiceProfile{ID: v}
	}
	return req, nil
}

// ─── Response writing ────────────────────────────────────────────────────────

// statusForKind maps error kinds onto HTTP status codes.
func statusForKind(k fault.Kind) int {
	switch k {
	case fault.KindInputInvalid:
		return http.StatusBadRequest
	case fault.KindAuthDenied:
		return http.StatusUnauthorized
	case fault.KindToolNotFound:
		return http.StatusNotFound
	case fault.KindTimeout, fault.KindToolTimeout:
		return http.StatusGatewayTimeout
	case fault.KindExternalUnavailable:
		return http.StatusBadGateway
	case fault.KindBackpressure:
		return http.StatusServiceUnavailable
	case fault.KindCancelled:
		// Client closed request; the nonstandard nginx code is the closest fit.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, statusForKind(fault.KindOf(err)), err)
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	// Body-limit errors arrive as *http.MaxBytesError, outside the kind table.
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, errorBody{
		Kind:    string(fault.KindOf(err)),
		Message: fault.UserMessage(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "err", err)
	}
}
