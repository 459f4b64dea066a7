package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquax/internal/conversation"
	"github.com/MrWong99/loquax/internal/stream"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/types"
)

// handleWS serves the full-duplex socket. The client drives turns with
// message controls; cancel and barge-in stop the turn in flight, and
// audio.chunk frames accumulate live mic input that the next text-less
// message consumes. Server frames use the same event schema as SSE.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	controls := stream.ReadControls(ctx, conn)

	var mic bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-controls:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			switch c.Type {
			case stream.ControlAudioChunk:
				mic.Write(c.Audio)
			case stream.ControlMessage:
				req := wsRequest(c, &mic)
				s.runSocketTurn(ctx, conn, controls, &mic, req)
			default:
				// cancel and barge-in outside a turn are no-ops.
			}
		}
	}
}

// wsRequest maps a message control onto a service request, draining the mic
// buffer when the frame carries neither text nor an inline blob.
func wsRequest(c stream.Control, mic *bytes.Buffer) conversation.Request {
	req := conversation.Request{
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		Text:        c.Text,
		Audio:       c.Audio,
		AudioFormat: c.Format,
		OutputMode:  c.OutputMode,
	}
	if c.Voice != "" {
		req.Voice = types.VoiceProfile{ID: c.Voice}
	}
	if req.Text == "" && len(req.Audio) == 0 && mic.Len() > 0 {
		req.Audio = bytes.Clone(mic.Bytes())
		if req.AudioFormat == "" {
			req.AudioFormat = audio.FormatPCM16
		}
		mic.Reset()
	}
	return req
}

// runSocketTurn runs one streaming turn against the socket. A watcher
// goroutine turns cancel and barge-in frames into turn-context cancellation
// and keeps appending mid-turn audio.chunk frames to the mic buffer; message
// frames arriving mid-turn are dropped. The watcher owns mic until it exits,
// and runSocketTurn waits for it so the session loop never touches the
// buffer concurrently.
func (s *Server) runSocketTurn(ctx context.Context, conn *websocket.Conn, controls <-chan stream.Control, mic *bytes.Buffer, req conversation.Request) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-turnCtx.Done():
				return
			case c, ok := <-controls:
				if !ok {
					cancel()
					return
				}
				switch c.Type {
				case stream.ControlCancel, stream.ControlBargeIn:
					cancel()
					return
				case stream.ControlAudioChunk:
					mic.Write(c.Audio)
				}
			}
		}
	}()

	st := stream.New(stream.WithCancel(cancel))
	go func() {
		defer st.CloseSend()
		if _, err := s.svc.MessageStream(turnCtx, req, st); err != nil {
			slog.Debug("socket turn ended with error", "err", err)
		}
	}()

	if err := stream.WriteWebSocket(ctx, conn, st); err != nil {
		slog.Debug("socket writer stopped", "err", err)
	}
	cancel()
	<-watcherDone
}
