package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
)

func TestPublishConsumePreservesOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	events := []Event{
		Start("t1", "s1"),
		TextDelta("hel"),
		TextDelta("lo"),
		End("t1"),
	}
	for _, ev := range events {
		if err := s.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish(%s): %v", ev.Type, err)
		}
	}
	s.CloseSend()

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != len(events) {
		t.Fatalf("received %d events, want %d", len(got), len(events))
	}
	for i, ev := range got {
		if ev.Type != events[i].Type || ev.Text != events[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, ev, events[i])
		}
	}
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	s.Publish(ctx, Start("t1", "s1"))
	s.Publish(ctx, End("t1"))
	s.CloseSend()

	terminals := 0
	for ev := range s.Events() {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want 1", terminals)
	}
}

func TestOverflowCancelsTurnAndFailsPublish(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	s := New(
		WithBuffer(2),
		WithOverflowTimeout(20*time.Millisecond),
		WithCancel(func() { close(cancelled) }),
	)
	ctx := context.Background()

	// Nobody consumes: two fit the buffer, the third overflows.
	s.Publish(ctx, TextDelta("a"))
	s.Publish(ctx, TextDelta("b"))
	err := s.Publish(ctx, TextDelta("c"))
	if err == nil {
		t.Fatal("Publish on full buffer did not fail")
	}
	if fault.KindOf(err) != fault.KindBackpressure {
		t.Errorf("KindOf(err) = %s, want backpressure", fault.KindOf(err))
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("overflow did not cancel the turn")
	}
	if !s.Overflowed() {
		t.Error("Overflowed() = false after overflow")
	}

	// Subsequent publishes fail fast.
	if err := s.Publish(ctx, TextDelta("d")); fault.KindOf(err) != fault.KindBackpressure {
		t.Errorf("publish after overflow: kind = %s, want backpressure", fault.KindOf(err))
	}
}

func TestBurstRecoveryEmitsWarningOnce(t *testing.T) {
	t.Parallel()
	s := New(WithBuffer(1), WithOverflowTimeout(5*time.Second))
	ctx := context.Background()

	s.Publish(ctx, TextDelta("a"))

	// Drain slowly in the background so the stalled publishes recover.
	var got []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Events() {
			got = append(got, ev)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	s.Publish(ctx, TextDelta("b"))
	s.Publish(ctx, TextDelta("c"))
	s.CloseSend()
	<-done

	warnings := 0
	for _, ev := range got {
		if ev.Type == EventWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}
}

func TestPublishRespectsContext(t *testing.T) {
	t.Parallel()
	s := New(WithBuffer(1), WithOverflowTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	s.Publish(ctx, TextDelta("a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.Publish(ctx, TextDelta("b"))
	if fault.KindOf(err) != fault.KindCancelled {
		t.Errorf("KindOf(err) = %s, want cancelled", fault.KindOf(err))
	}
}

func TestWriteSSEFrames(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	s.Publish(ctx, Start("t1", "s1"))
	s.Publish(ctx, TextDelta("hi"))
	s.Publish(ctx, End("t1"))
	s.CloseSend()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := WriteSSE(w, r, s); err != nil {
			t.Errorf("WriteSSE: %v", err)
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var frames []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if !strings.Contains(frames[0], `"type":"start"`) {
		t.Errorf("frame 0 = %s, want start event", frames[0])
	}
	if !strings.Contains(frames[1], `"hi"`) {
		t.Errorf("frame 1 = %s, want text delta", frames[1])
	}
	if !strings.Contains(frames[2], `"type":"end"`) {
		t.Errorf("frame 2 = %s, want end event", frames[2])
	}
}

func TestDecodeControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "cancel", data: `{"type":"cancel"}`, want: ControlCancel},
		{name: "barge-in", data: `{"type":"barge-in"}`, want: ControlBargeIn},
		{name: "audio chunk", data: `{"type":"audio.chunk","audio":"AAA="}`, want: ControlAudioChunk},
		{name: "garbage", data: `not json`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := DecodeControl([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeControl: %v", err)
			}
			if c.Type != tc.want {
				t.Errorf("Type = %q, want %q", c.Type, tc.want)
			}
		})
	}
}

func TestOverflowEventShape(t *testing.T) {
	t.Parallel()
	ev := OverflowEvent()
	if !ev.Terminal() {
		t.Error("overflow event is not terminal")
	}
	if ev.Kind != string(fault.KindBackpressure) {
		t.Errorf("Kind = %q, want backpressure", ev.Kind)
	}
}
