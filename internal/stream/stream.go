package stream

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
)

// DefaultBuffer is the per-connection event buffer size. It absorbs short
// producer bursts; a consumer persistently slower than the producer trips
// backpressure instead.
const DefaultBuffer = 64

// DefaultOverflowTimeout bounds how long a Publish call blocks on a full
// buffer before the stream is declared overflowed.
const DefaultOverflowTimeout = 5 * time.Second

// Option configures a Stream.
type Option func(*Stream)

// WithBuffer overrides the event buffer size.
func WithBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithOverflowTimeout overrides how long a full buffer is tolerated.
func WithOverflowTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.overflowTimeout = d
		}
	}
}

// WithCancel registers a function invoked when the stream overflows, so the
// producing turn can be aborted instead of generating into the void.
func WithCancel(cancel context.CancelFunc) Option {
	return func(s *Stream) { s.cancelTurn = cancel }
}

// Stream is one turn's bounded event pipe between the orchestrator (producer)
// and a transport writer (consumer).
//
// The producer calls Publish for each event and CloseSend once after the
// terminal event. The consumer ranges over Events and, when the range ends,
// calls Overflowed to learn whether it must append a terminal backpressure
// error itself.
type Stream struct {
	buffer          int
	overflowTimeout time.Duration
	cancelTurn      context.CancelFunc

	ch chan Event

	mu         sync.Mutex
	warned     bool
	overflowed bool
	closed     bool
}

// New creates a stream ready for one turn.
func New(opts ...Option) *Stream {
	s := &Stream{
		buffer:          DefaultBuffer,
		overflowTimeout: DefaultOverflowTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	s.ch = make(chan Event, s.buffer)
	return s
}

// Events returns the consumer side of the stream. The channel closes after
// CloseSend once the buffer drains.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Publish enqueues one event. It returns immediately while the buffer has
// room. On a full buffer it blocks until space frees, the context ends, or
// the overflow timeout elapses; a timeout marks the stream overflowed,
// cancels the turn, and returns a backpressure error. Publishing after
// overflow or CloseSend fails.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	if s.overflowed {
		s.mu.Unlock()
		return fault.New(fault.KindBackpressure, "stream: publish after overflow")
	}
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.KindInternal, "stream: publish after close")
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return nil
	default:
	}

	// Buffer full. Wait bounded for the consumer to catch up. The first
	// stall inserts a one-time warning ahead of the stalled event.
	pending := []Event{ev}
	if s.firstStall() {
		pending = []Event{
			Warning("slow_consumer", "Event delivery briefly stalled; the client is reading slowly."),
			ev,
		}
	}

	timer := time.NewTimer(s.overflowTimeout)
	defer timer.Stop()

	for _, p := range pending {
		select {
		case s.ch <- p:
		case <-ctx.Done():
			return fault.Wrap(fault.KindOf(ctx.Err()), "Request cancelled.", ctx.Err())
		case <-timer.C:
			s.mu.Lock()
			s.overflowed = true
			s.mu.Unlock()
			if s.cancelTurn != nil {
				s.cancelTurn()
			}
			return fault.New(fault.KindBackpressure, "stream: consumer too slow, buffer full for "+s.overflowTimeout.String())
		}
	}
	return nil
}

// firstStall records that a full-buffer stall happened and reports whether it
// was the first one for this stream.
func (s *Stream) firstStall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned {
		return false
	}
	s.warned = true
	return true
}

// CloseSend marks the producer done. Safe to call more than once.
func (s *Stream) CloseSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Overflowed reports whether the stream was terminated by backpressure. The
// transport writer checks this after the event channel closes and, when true,
// sends the terminal error frame itself.
func (s *Stream) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// OverflowEvent is the terminal frame a transport writer sends for a stream
// that ended by backpressure.
func OverflowEvent() Event {
	return Error(string(fault.KindBackpressure), "The connection cannot keep up with the response stream.")
}
