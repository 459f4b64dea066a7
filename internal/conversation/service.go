// Package conversation composes the four request pipelines over the turn
// orchestrator: text to text, text to audio, audio to text, and audio to
// audio.
//
// Audio input is decoded, downmixed, and transcribed before the turn runs;
// audio output pipes the final text through the TTS provider, as buffered
// WAV for plain requests and as audio.chunk events for streaming ones.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/loquax/internal/history"
	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/stream"
	"github.com/MrWong99/loquax/internal/turn"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/provider/stt"
	"github.com/MrWong99/loquax/pkg/provider/tts"
	"github.com/MrWong99/loquax/pkg/types"
)

// Output modes.
const (
	OutputText  = "text"
	OutputAudio = "audio"
	OutputBoth  = "both"
)

// Request is one conversation message in any input mode. Exactly one of Text
// and Audio is set.
type Request struct {
	SessionID string
	UserID    string

	// Text input.
	Text string

	// Audio input: the raw blob and its declared format ("wav", "pcm16",
	// "opus"). Decoding sniffs the real format.
	Audio       []byte
	AudioFormat string

	// OutputMode selects text, audio, or both. Empty means text.
	OutputMode string

	// Voice overrides the default TTS voice for audio output.
	Voice types.VoiceProfile

	Debug bool
}

// Response is the buffered reply for non-streaming requests.
type Response struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id"`
	UserInput     string         `json:"user_input"`
	AgentResponse string         `json:"agent_response"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Audio is the synthesized reply as a WAV blob, present when the
	// request asked for audio output. Base64 in JSON.
	Audio []byte `json:"audio,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithSTT attaches the speech-to-text provider for audio input.
func WithSTT(p stt.Provider) Option {
	return func(s *Service) { s.stt = p }
}

// WithTTS attaches the text-to-speech provider for audio output.
func WithTTS(p tts.Provider) Option {
	return func(s *Service) { s.tts = p }
}

// WithDefaultVoice sets the voice used when a request does not name one.
func WithDefaultVoice(v types.VoiceProfile) Option {
	return func(s *Service) { s.defaultVoice = v }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the conversation facade used by the HTTP layer.
type Service struct {
	orch    *turn.Orchestrator
	store   history.Store
	stt     stt.Provider
	tts     tts.Provider
	metrics *observe.Metrics

	defaultVoice types.VoiceProfile
}

// NewService creates a Service over the orchestrator and session store.
func NewService(orch *turn.Orchestrator, store history.Store, opts ...Option) *Service {
	s := &Service{orch: orch, store: store}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Message runs one buffered turn. For audio input the blob is transcribed
// first; for audio output the reply is synthesized into Response.Audio.
func (s *Service) Message(ctx context.Context, req Request) (Response, error) {
	text, err := s.resolveInput(ctx, req)
	if err != nil {
		return Response{}, err
	}

	res, err := s.orch.Run(ctx, turn.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      text,
		Debug:     req.Debug,
	}, nil)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		Success:       true,
		SessionID:     res.SessionID,
		UserInput:     text,
		AgentResponse: res.FinalText,
		Timestamp:     time.Now(),
		Metadata: map[string]any{
			"turn_id":         res.TurnID,
			"tool_call_count": res.ToolCallCount,
		},
	}

	if wantsAudio(req.OutputMode) {
		pcm, err := s.synthesize(ctx, res.FinalText, s.voice(req))
		if err != nil {
			return Response{}, err
		}
		resp.Audio = audio.EncodeWAV(pcm, audio.STTSampleRate, audio.STTChannels)
	}
	return resp, nil
}

// MessageStream runs one streaming turn, publishing events to st. Audio
// output is synthesized after the final text is known and emitted as
// audio.chunk events ahead of the terminal event. The caller owns st and
// closes it after MessageStream returns.
func (s *Service) MessageStream(ctx context.Context, req Request, st *stream.Stream) (turn.Result, error) {
	text, err := s.resolveInput(ctx, req)
	if err != nil {
		if fault.KindOf(err) != fault.KindCancelled {
			st.Publish(context.WithoutCancel(ctx), stream.Error(string(fault.KindOf(err)), fault.UserMessage(err)))
		}
		return turn.Result{}, err
	}

	treq := turn.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      text,
		Debug:     req.Debug,
	}
	if wantsAudio(req.OutputMode) {
		treq.Finalize = func(ctx context.Context, finalText string) error {
			return s.streamSynthesis(ctx, finalText, s.voice(req), st)
		}
	}

	return s.orch.Run(ctx, treq, st)
}

// History returns the session's hot window.
func (s *Service) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	return s.store.Get(ctx, sessionID)
}

// Clear removes the session from both store tiers.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, sessionID)
}

// Stats exposes store statistics for health reporting.
func (s *Service) Stats() history.Stats {
	return s.store.Stats()
}

// resolveInput returns the turn's text, transcribing audio input when
// present.
func (s *Service) resolveInput(ctx context.Context, req Request) (string, error) {
	if len(req.Audio) == 0 {
		return req.Text, nil
	}
	if s.stt == nil {
		return "", fault.New(fault.KindInputInvalid, "Audio input is not supported by this deployment.")
	}

	ctx, span := observe.StartSpan(ctx, "conversation.transcribe")
	defer span.End()

	blob, err := audio.Decode(req.Audio, req.AudioFormat, 0, 0)
	if err != nil {
		return "", err
	}
	pcm, err := blob.ToMono16()
	if err != nil {
		return "", err
	}

	start := time.Now()
	tr, err := s.stt.Transcribe(ctx, stt.Request{PCM: pcm})
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if tr.Text == "" {
		return "", fault.New(fault.KindInputInvalid, "I couldn't hear any speech in that audio.")
	}
	return tr.Text, nil
}

// voice picks the request's voice or the configured default.
func (s *Service) voice(req Request) types.VoiceProfile {
	if req.Voice.ID != "" {
		return req.Voice
	}
	return s.defaultVoice
}

// synthesize renders text to a single PCM buffer.
func (s *Service) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if s.tts == nil {
		return nil, fault.New(fault.KindInputInvalid, "Audio output is not supported by this deployment.")
	}
	ctx, span := observe.StartSpan(ctx, "conversation.synthesize")
	defer span.End()
	return tts.Synthesize(ctx, s.tts, text, voice)
}

// streamSynthesis renders text through the TTS provider and publishes each
// chunk as an audio.chunk event with a monotonic sequence number.
func (s *Service) streamSynthesis(ctx context.Context, text string, voice types.VoiceProfile, st *stream.Stream) error {
	if s.tts == nil || text == "" {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "conversation.synthesize")
	defer span.End()

	fragments := make(chan string, 1)
	fragments <- text
	close(fragments)

	start := time.Now()
	chunks, synthErrs, err := s.tts.SynthesizeStream(ctx, fragments, voice)
	if err != nil {
		return err
	}

	seq := 0
	first := true
	for chunk := range chunks {
		if first {
			s.metrics.TTSFirstChunkLatency.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		seq++
		if err := st.Publish(ctx, stream.AudioChunk(chunk, seq)); err != nil {
			return err
		}
	}
	// A provider dropping mid-synthesis truncates the audio; the turn must
	// terminate with an error event, not a clean end.
	if serr := <-synthErrs; serr != nil {
		var fe *fault.Error
		if !errors.As(serr, &fe) {
			serr = fault.Wrap(fault.KindExternalUnavailable,
				"Speech synthesis is temporarily unavailable.", serr)
		}
		return serr
	}
	return ctx.Err()
}

func wantsAudio(mode string) bool {
	return mode == OutputAudio || mode == OutputBoth
}
