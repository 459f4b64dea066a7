package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/loquax/internal/history"
	"github.com/MrWong99/loquax/internal/stream"
	"github.com/MrWong99/loquax/internal/tool"
	"github.com/MrWong99/loquax/internal/turn"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/provider/llm"
	llmmock "github.com/MrWong99/loquax/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/loquax/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/loquax/pkg/provider/tts/mock"
	"github.com/MrWong99/loquax/pkg/types"
)

// newTestService wires a service over a fresh store and empty registry.
func newTestService(t *testing.T, m *llmmock.Provider, opts ...Option) (*Service, *history.Hybrid) {
	t.Helper()
	store := history.NewHybrid()
	t.Cleanup(func() { store.Close() })

	orch := turn.New(m, tool.NewRegistry(nil), nil, store)
	return NewService(orch, store, opts...), store
}

// pcmBlob is a short 16 kHz mono PCM payload.
func pcmBlob(samples int) []byte {
	return make([]byte, samples*2)
}

func TestMessageTextToText(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "It is sunny."}},
	}
	svc, _ := newTestService(t, m)

	resp, err := svc.Message(context.Background(), Request{
		SessionID:  "s1",
		Text:       "what's the weather?",
		OutputMode: OutputText,
	})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}

	if !resp.Success {
		t.Error("Success = false")
	}
	if resp.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", resp.SessionID)
	}
	if resp.UserInput != "what's the weather?" {
		t.Errorf("UserInput = %q", resp.UserInput)
	}
	if resp.AgentResponse != "It is sunny." {
		t.Errorf("AgentResponse = %q", resp.AgentResponse)
	}
	if len(resp.Audio) != 0 {
		t.Error("Audio present for a text-only request")
	}
}

func TestMessageMintsSessionID(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &llmmock.Provider{})

	resp, err := svc.Message(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if resp.SessionID == "" {
		t.Error("SessionID was not minted")
	}
}

func TestMessageAudioInputTranscribes(t *testing.T) {
	t.Parallel()
	sttp := &sttmock.Provider{
		Transcripts: []types.Transcript{{Text: "hello", Confidence: 0.95}},
	}
	svc, store := newTestService(t, &llmmock.Provider{}, WithSTT(sttp))

	resp, err := svc.Message(context.Background(), Request{
		SessionID:   "s1",
		Audio:       audio.EncodeWAV(pcmBlob(1600), audio.STTSampleRate, audio.STTChannels),
		AudioFormat: audio.FormatWAV,
	})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}

	if sttp.CallCount() != 1 {
		t.Errorf("STT calls = %d, want 1", sttp.CallCount())
	}
	if resp.UserInput != "hello" {
		t.Errorf("UserInput = %q, want the transcript", resp.UserInput)
	}
	// "hello" takes the greeting fast path.
	lower := strings.ToLower(resp.AgentResponse)
	if !strings.Contains(lower, "hello") && !strings.Contains(resp.AgentResponse, "你好") {
		t.Errorf("AgentResponse = %q, want a canned greeting", resp.AgentResponse)
	}

	msgs, _ := store.Get(context.Background(), "s1")
	if len(msgs) != 2 || msgs[0].Content != "hello" {
		t.Errorf("history = %+v, want the transcribed user turn", msgs)
	}
}

func TestMessageAudioWithoutSpeechFails(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &llmmock.Provider{}, WithSTT(&sttmock.Provider{}))

	_, err := svc.Message(context.Background(), Request{
		Audio:       pcmBlob(1600),
		AudioFormat: audio.FormatPCM16,
	})
	if fault.KindOf(err) != fault.KindInputInvalid {
		t.Errorf("KindOf(err) = %s, want input_invalid", fault.KindOf(err))
	}
}

func TestMessageAudioWithoutSTTConfigured(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &llmmock.Provider{})

	_, err := svc.Message(context.Background(), Request{Audio: pcmBlob(10)})
	if fault.KindOf(err) != fault.KindInputInvalid {
		t.Errorf("KindOf(err) = %s, want input_invalid", fault.KindOf(err))
	}
}

func TestMessageAudioOutputReturnsWAV(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "Spoken reply."}},
	}
	ttsp := &ttsmock.Provider{ChunkSize: 640}
	svc, _ := newTestService(t, m, WithTTS(ttsp))

	resp, err := svc.Message(context.Background(), Request{
		SessionID:  "s1",
		Text:       "say something",
		OutputMode: OutputAudio,
	})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}

	if len(resp.Audio) == 0 {
		t.Fatal("no audio in the response")
	}
	blob, err := audio.ParseWAV(resp.Audio)
	if err != nil {
		t.Fatalf("response audio is not valid WAV: %v", err)
	}
	if blob.SampleRate != audio.STTSampleRate || blob.Channels != 1 {
		t.Errorf("WAV profile = %d Hz / %d ch", blob.SampleRate, blob.Channels)
	}

	frags := ttsp.ConsumedFragments()
	if len(frags) != 1 || frags[0] != "Spoken reply." {
		t.Errorf("TTS consumed %v, want the final text", frags)
	}
}

func TestMessageStreamEmitsAudioChunksBeforeEnd(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{{Text: "Spoken "}, {Text: "reply."}, {FinishReason: "stop"}},
		},
	}
	ttsp := &ttsmock.Provider{ChunkSize: 320}
	svc, _ := newTestService(t, m, WithTTS(ttsp))

	st := stream.New()
	var (
		mu     sync.Mutex
		events []stream.Event
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range st.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()

	_, err := svc.MessageStream(context.Background(), Request{
		SessionID:  "s1",
		Text:       "say something",
		OutputMode: OutputBoth,
	}, st)
	st.CloseSend()
	if err != nil {
		t.Fatalf("MessageStream: %v", err)
	}
	<-done

	var (
		audioSeqs []int
		endIndex  = -1
		lastAudio = -1
	)
	for i, ev := range events {
		switch ev.Type {
		case stream.EventAudioChunk:
			audioSeqs = append(audioSeqs, ev.Sequence)
			lastAudio = i
		case stream.EventEnd:
			endIndex = i
		}
	}

	if len(audioSeqs) == 0 {
		t.Fatal("no audio.chunk events")
	}
	for i, seq := range audioSeqs {
		if seq != i+1 {
			t.Errorf("audio sequence = %v, want strictly monotonic from 1", audioSeqs)
			break
		}
	}
	if endIndex == -1 {
		t.Fatal("no terminal end event")
	}
	if lastAudio > endIndex {
		t.Error("audio.chunk emitted after the terminal event")
	}
}

func TestMessageStreamTTSFaultTerminatesWithError(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{{Text: "Reply."}, {FinishReason: "stop"}},
		},
	}
	ttsp := &ttsmock.Provider{
		Err: fault.New(fault.KindExternalUnavailable, "Speech synthesis is temporarily unavailable."),
	}
	svc, store := newTestService(t, m, WithTTS(ttsp))

	st := stream.New()
	var events []stream.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range st.Events() {
			events = append(events, ev)
		}
	}()

	_, err := svc.MessageStream(context.Background(), Request{
		SessionID:  "s1",
		Text:       "say something",
		OutputMode: OutputAudio,
	}, st)
	st.CloseSend()
	<-done

	if fault.KindOf(err) != fault.KindExternalUnavailable {
		t.Errorf("KindOf(err) = %s, want external_unavailable", fault.KindOf(err))
	}

	sawError := false
	for _, ev := range events {
		if ev.Type == stream.EventError {
			sawError = true
		}
		if ev.Type == stream.EventEnd {
			t.Error("end event emitted despite the TTS failure")
		}
	}
	if !sawError {
		t.Error("no terminal error event")
	}

	// The text turn itself committed; only the audio tail failed.
	msgs, _ := store.Get(context.Background(), "s1")
	if len(msgs) != 2 {
		t.Errorf("history length = %d, want the committed turn", len(msgs))
	}
}

func TestMessageStreamMidSynthesisDropTerminatesWithError(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{{Text: "Reply."}, {FinishReason: "stop"}},
		},
	}
	ttsp := &ttsmock.Provider{
		ChunkSize:     320,
		StreamFailure: errors.New("websocket: close 1006 (abnormal closure)"),
	}
	svc, store := newTestService(t, m, WithTTS(ttsp))

	st := stream.New()
	var events []stream.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range st.Events() {
			events = append(events, ev)
		}
	}()

	_, err := svc.MessageStream(context.Background(), Request{
		SessionID:  "s1",
		Text:       "say something",
		OutputMode: OutputAudio,
	}, st)
	st.CloseSend()
	<-done

	if fault.KindOf(err) != fault.KindExternalUnavailable {
		t.Errorf("KindOf(err) = %s, want external_unavailable", fault.KindOf(err))
	}

	sawAudio, sawError := false, false
	for _, ev := range events {
		switch ev.Type {
		case stream.EventAudioChunk:
			sawAudio = true
		case stream.EventError:
			sawError = true
			if strings.Contains(ev.Message, "1006") {
				t.Errorf("raw connection error leaked to the client: %q", ev.Message)
			}
		case stream.EventEnd:
			t.Error("end event emitted despite truncated synthesis")
		}
	}
	if !sawAudio {
		t.Error("no audio.chunk events before the failure")
	}
	if !sawError {
		t.Error("no terminal error event")
	}

	// The text turn itself committed; only the audio tail was truncated.
	msgs, _ := store.Get(context.Background(), "s1")
	if len(msgs) != 2 {
		t.Errorf("history length = %d, want the committed turn", len(msgs))
	}
}

func TestHistoryAndClear(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "ok"}},
	})
	ctx := context.Background()

	if _, err := svc.Message(ctx, Request{SessionID: "s1", Text: "remember this"}); err != nil {
		t.Fatalf("Message: %v", err)
	}

	msgs, err := svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}

	if err := svc.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	msgs, _ = svc.History(ctx, "s1")
	if len(msgs) != 0 {
		t.Errorf("history length = %d after Clear, want 0", len(msgs))
	}
}
