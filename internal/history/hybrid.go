package history

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/pkg/types"
)

// shardCount spreads session locks so concurrent sessions rarely contend.
const shardCount = 16

// Option configures a Hybrid store.
type Option func(*Hybrid)

// WithWindow sets the per-session message window W.
func WithWindow(w int) Option {
	return func(h *Hybrid) {
		if w > 0 {
			h.window = w
		}
	}
}

// WithHotTTL sets how long an inactive session stays hot.
func WithHotTTL(ttl time.Duration) Option {
	return func(h *Hybrid) {
		if ttl > 0 {
			h.hotTTL = ttl
		}
	}
}

// WithDurable attaches a write-through durable tier.
func WithDurable(d Durable) Option {
	return func(h *Hybrid) { h.durable = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hybrid) { h.metrics = m }
}

// Hybrid is the two-tier Store implementation.
type Hybrid struct {
	window  int
	hotTTL  time.Duration
	durable Durable
	metrics *observe.Metrics

	shards [shardCount]shard

	janitorStop chan struct{}
	janitorOnce sync.Once
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuf
}

// sessionBuf holds one session's hot window. Guarded by its shard's lock.
type sessionBuf struct {
	msgs       []storedMsg
	lastActive time.Time
}

type storedMsg struct {
	msg    types.Message
	turnID string
}

// Compile-time assertion that Hybrid implements Store.
var _ Store = (*Hybrid)(nil)

// NewHybrid creates a hot-tier store with the given options and starts the
// eviction janitor. Call [Hybrid.Close] on shutdown.
func NewHybrid(opts ...Option) *Hybrid {
	h := &Hybrid{
		window:      DefaultWindow,
		hotTTL:      DefaultHotTTL,
		janitorStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	for i := range h.shards {
		h.shards[i].sessions = make(map[string]*sessionBuf)
	}

	go h.janitor()
	return h
}

func (h *Hybrid) shardFor(sessionID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(sessionID))
	return &h.shards[f.Sum32()%shardCount]
}

// Get implements Store. On a hot miss with a durable tier configured it
// hydrates the window from the durable tier.
func (h *Hybrid) Get(ctx context.Context, sessionID string) ([]types.Message, error) {
	sh := h.shardFor(sessionID)

	sh.mu.Lock()
	buf, ok := sh.sessions[sessionID]
	if ok {
		buf.lastActive = time.Now()
		out := make([]types.Message, len(buf.msgs))
		for i, m := range buf.msgs {
			out[i] = m.msg
		}
		sh.mu.Unlock()
		return out, nil
	}
	sh.mu.Unlock()

	if h.durable == nil {
		return []types.Message{}, nil
	}

	// Hydrate outside the shard lock; the durable call may block.
	msgs, err := h.durable.LoadRecent(ctx, sessionID, h.window)
	if err != nil {
		h.absorbDurableFailure(ctx, "hydrate", sessionID, err)
		return []types.Message{}, nil
	}
	// The load limit can slice through a turn group, leaving tool results
	// whose assistant tool-call message was cut off. Strip them the same way
	// trim does after eviction.
	for len(msgs) > 0 && msgs[0].Role == types.RoleTool {
		msgs = msgs[1:]
	}
	if len(msgs) == 0 {
		return []types.Message{}, nil
	}

	stored := make([]storedMsg, len(msgs))
	for i, m := range msgs {
		stored[i] = storedMsg{msg: m}
	}

	sh.mu.Lock()
	// A concurrent Append may have won; its window is fresher.
	if cur, ok := sh.sessions[sessionID]; ok {
		out := make([]types.Message, len(cur.msgs))
		for i, m := range cur.msgs {
			out[i] = m.msg
		}
		sh.mu.Unlock()
		return out, nil
	}
	sh.sessions[sessionID] = &sessionBuf{msgs: stored, lastActive: time.Now()}
	sh.mu.Unlock()
	h.metrics.ActiveSessions.Add(ctx, 1)

	return msgs, nil
}

// Append implements Store. The message group is committed to the hot tier
// under one lock acquisition, so a same-caller read immediately after sees
// it. The durable write happens after the hot commit and never fails the
// request.
func (h *Hybrid) Append(ctx context.Context, sessionID, turnID string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	sh := h.shardFor(sessionID)

	sh.mu.Lock()
	buf, ok := sh.sessions[sessionID]
	if !ok {
		buf = &sessionBuf{}
		sh.sessions[sessionID] = buf
		defer h.metrics.ActiveSessions.Add(ctx, 1)
	}
	for _, m := range msgs {
		buf.msgs = append(buf.msgs, storedMsg{msg: m, turnID: turnID})
	}
	buf.trim(h.window)
	buf.lastActive = time.Now()
	sh.mu.Unlock()

	if h.durable != nil {
		if err := h.durable.AppendMessages(ctx, sessionID, turnID, msgs); err != nil {
			h.absorbDurableFailure(ctx, "append", sessionID, err)
		}
	}
	return nil
}

// trim evicts whole turn groups FIFO until the window fits, then drops any
// leading tool-result messages so the history never starts with an orphan.
func (b *sessionBuf) trim(window int) {
	for len(b.msgs) > window {
		group := b.msgs[0].turnID
		i := 0
		for i < len(b.msgs) && b.msgs[i].turnID == group {
			i++
		}
		// A single oversized group still has to go message by message.
		if i == 0 || i >= len(b.msgs) {
			over := len(b.msgs) - window
			b.msgs = b.msgs[over:]
			break
		}
		b.msgs = b.msgs[i:]
	}
	for len(b.msgs) > 0 && b.msgs[0].msg.Role == types.RoleTool {
		b.msgs = b.msgs[1:]
	}
}

// Clear implements Store.
func (h *Hybrid) Clear(ctx context.Context, sessionID string) error {
	sh := h.shardFor(sessionID)

	sh.mu.Lock()
	_, existed := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()

	if existed {
		h.metrics.ActiveSessions.Add(ctx, -1)
	}

	if h.durable != nil {
		if err := h.durable.ClearSession(ctx, sessionID); err != nil {
			h.absorbDurableFailure(ctx, "clear", sessionID, err)
		}
	}
	return nil
}

// Stats implements Store.
func (h *Hybrid) Stats() Stats {
	s := Stats{DurableBacked: h.durable != nil}
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		s.HotSessions += len(sh.sessions)
		for _, buf := range sh.sessions {
			s.HotMessages += len(buf.msgs)
		}
		sh.mu.Unlock()
	}
	return s
}

// LogToolCall forwards a dispatch record to the durable audit log, absorbing
// failures. A no-op without a durable tier.
func (h *Hybrid) LogToolCall(ctx context.Context, rec ToolCallRecord) {
	if h.durable == nil {
		return
	}
	if err := h.durable.LogToolCall(ctx, rec); err != nil {
		h.absorbDurableFailure(ctx, "tool_call_log", rec.SessionID, err)
	}
}

// absorbDurableFailure logs and counts a durable-tier error without
// propagating it.
func (h *Hybrid) absorbDurableFailure(ctx context.Context, op, sessionID string, err error) {
	h.metrics.DurableWriteFailures.Add(ctx, 1)
	observe.Logger(ctx).Warn("history: durable tier failure",
		slog.String("op", op),
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
}

// janitor evicts sessions inactive past the hot TTL.
func (h *Hybrid) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.janitorStop:
			return
		case <-ticker.C:
			h.evictExpired(time.Now())
		}
	}
}

// evictExpired removes sessions whose last activity predates now-hotTTL.
func (h *Hybrid) evictExpired(now time.Time) {
	cutoff := now.Add(-h.hotTTL)
	var evicted int64
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		for id, buf := range sh.sessions {
			if buf.lastActive.Before(cutoff) {
				delete(sh.sessions, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		h.metrics.ActiveSessions.Add(context.Background(), -evicted)
	}
}

// Close stops the eviction janitor. The hot tier itself needs no teardown.
func (h *Hybrid) Close() error {
	h.janitorOnce.Do(func() { close(h.janitorStop) })
	return nil
}
