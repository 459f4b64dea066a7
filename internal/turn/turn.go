// Package turn implements the turn orchestrator, the state machine that
// drives one conversational turn from user input to committed assistant
// reply.
//
// A turn moves through INPUT, an optional greeting fast path, a reason-act
// loop alternating LLM calls with parallel tool dispatches, and FORMAT,
// which commits the whole turn to the session store as one atomic message
// group. Tool faults never terminate a turn; they are fed back to the model
// as failed tool results. The loop is bounded by a tool-iteration cap and a
// per-turn wall-clock deadline.
//
// The orchestrator owns its TurnState for the duration of [Orchestrator.Run]
// and discards it afterwards; all shared dependencies are injected at
// construction and safe for concurrent turns.
package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/loquax/internal/history"
	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/stream"
	"github.com/MrWong99/loquax/internal/tool"
	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/provider/llm"
	"github.com/MrWong99/loquax/pkg/types"
)

const (
	// DefaultMaxToolIterations caps tool calls per turn.
	DefaultMaxToolIterations = 5

	// DefaultDeadline is the per-turn wall-clock budget.
	DefaultDeadline = 60 * time.Second

	// WarningToolIterationCap is the warning code emitted when a turn hits
	// the tool-iteration bound.
	WarningToolIterationCap = "tool-iteration-cap"
)

// boundedLoopApology is committed when the model keeps requesting tools past
// the iteration cap without producing a final answer.
const boundedLoopApology = "I'm sorry, I couldn't complete that request. I tried several tools but did not reach a final answer. Could you rephrase or narrow it down?"

// Request is one user turn to run.
type Request struct {
	// SessionID selects the conversation thread. Empty mints a new session.
	SessionID string

	// UserID is the optional authenticated principal.
	UserID string

	// Text is the user's utterance. For audio input the caller transcribes
	// first.
	Text string

	// Debug keeps model debug markers in the final text instead of
	// stripping them.
	Debug bool

	// Finalize, when set, runs after the turn commits and before the
	// terminal event, so callers can append trailing events such as
	// synthesized audio. A Finalize error replaces the end event with a
	// terminal error event; the committed history stands.
	Finalize func(ctx context.Context, finalText string) error
}

// Result is the outcome of a completed turn.
type Result struct {
	TurnID        string
	SessionID     string
	FinalText     string
	ToolCallCount int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSystemPrompt sets the base system prompt prepended to every LLM call.
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithMaxToolIterations overrides the tool-call bound per turn.
func WithMaxToolIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolIterations = n
		}
	}
}

// WithDeadline overrides the per-turn wall-clock deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithTemperature sets the sampling temperature passed to the model.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithMaxTokens caps completion tokens per LLM call.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithModelName sets the model label used in LLM metrics.
func WithModelName(name string) Option {
	return func(o *Orchestrator) { o.modelName = name }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs turns. Safe for concurrent use; each Run call owns its
// own state.
type Orchestrator struct {
	llm      llm.Provider
	registry *tool.Registry
	cache    *tool.Cache
	store    history.Store
	metrics  *observe.Metrics

	systemPrompt      string
	maxToolIterations int
	deadline          time.Duration
	temperature       float64
	maxTokens         int
	modelName         string
}

// New creates an Orchestrator over the given dependencies. cache may be nil
// to disable tool-result caching.
func New(p llm.Provider, reg *tool.Registry, cache *tool.Cache, store history.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:               p,
		registry:          reg,
		cache:             cache,
		store:             store,
		maxToolIterations: DefaultMaxToolIterations,
		deadline:          DefaultDeadline,
		temperature:       0.7,
		modelName:         "default",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// turnState is the per-turn working state, owned by one Run call.
type turnState struct {
	sessionID string
	turnID    string
	userMsg   types.Message

	// pending is the message group committed atomically at FORMAT.
	pending []types.Message

	toolCallCount int
	finalText     string
}

// auditor is implemented by stores that keep a durable tool-call log.
type auditor interface {
	LogToolCall(ctx context.Context, rec history.ToolCallRecord)
}

// Run executes one turn. When st is non-nil, events are published to it as
// the turn progresses; the caller owns the stream lifecycle and closes it
// after Run returns. A nil st runs the turn buffered.
//
// On cancellation nothing is persisted and no further events are emitted.
// Other failures commit the user message plus a fallback assistant message
// and emit a terminal error event.
func (o *Orchestrator) Run(ctx context.Context, req Request, st *stream.Stream) (Result, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turnID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "turn")
	defer span.End()

	start := time.Now()
	o.metrics.TurnsStarted.Add(ctx, 1)

	res, err := o.run(ctx, sessionID, turnID, req, st)

	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	switch {
	case err == nil:
		o.metrics.RecordTurnCompleted(ctx, "done")
	case fault.KindOf(err) == fault.KindCancelled:
		o.metrics.RecordTurnCompleted(ctx, "cancelled")
	default:
		o.metrics.RecordTurnCompleted(ctx, "error")
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, sessionID, turnID string, req Request, st *stream.Stream) (Result, error) {
	ts := &turnState{sessionID: sessionID, turnID: turnID}

	if err := o.emit(ctx, st, stream.Start(turnID, sessionID)); err != nil {
		return o.fail(ctx, ts, st, err)
	}

	// INPUT
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return o.fail(ctx, ts, st, fault.New(fault.KindInputInvalid, "Please say something so I can help."))
	}
	ts.userMsg = types.Message{
		ID:        uuid.NewString(),
		Role:      types.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	ts.pending = []types.Message{ts.userMsg}

	// FAST_PATH: a plain greeting skips the model entirely.
	if isGreeting(text) {
		ts.finalText = greetingReply(sessionID)
		if err := o.emit(ctx, st, stream.TextDelta(ts.finalText)); err != nil {
			return o.fail(ctx, ts, st, err)
		}
		return o.format(ctx, ts, st, req)
	}

	hist, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return o.fail(ctx, ts, st, err)
	}

	// Reason-act loop.
	for {
		creq := llm.CompletionRequest{
			Messages:     append(append([]types.Message{}, hist...), ts.pending...),
			Tools:        o.registry.Describe(),
			SystemPrompt: o.systemPrompt,
			Temperature:  o.temperature,
			MaxTokens:    o.maxTokens,
		}

		content, calls, err := o.reason(ctx, creq, st)
		if err != nil {
			return o.fail(ctx, ts, st, err)
		}

		if len(calls) == 0 {
			ts.finalText = content
			return o.format(ctx, ts, st, req)
		}

		// ACT
		results := o.act(ctx, ts, calls, st)
		if ctx.Err() != nil {
			return o.fail(ctx, ts, st, ctx.Err())
		}

		assistant := types.Message{
			ID:        uuid.NewString(),
			Role:      types.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		}
		ts.pending = append(ts.pending, assistant)
		for i, call := range calls {
			ts.pending = append(ts.pending, types.Message{
				ID:         uuid.NewString(),
				Role:       types.RoleTool,
				Content:    results[i].Content,
				ToolCallID: call.ID,
				CreatedAt:  time.Now(),
			})
		}

		ts.toolCallCount += len(calls)
		if ts.toolCallCount >= o.maxToolIterations {
			if err := o.emit(ctx, st, stream.Warning(WarningToolIterationCap,
				"Tool iteration limit reached; answering with what is available.")); err != nil {
				return o.fail(ctx, ts, st, err)
			}
			if ts.finalText == "" {
				ts.finalText = boundedLoopApology
			}
			return o.format(ctx, ts, st, req)
		}
	}
}

// reason performs one LLM call, streaming when a stream is attached and the
// model supports it. It returns the text content and any complete tool calls.
func (o *Orchestrator) reason(ctx context.Context, creq llm.CompletionRequest, st *stream.Stream) (string, []types.ToolCall, error) {
	ctx, span := observe.StartSpan(ctx, "turn.reason")
	defer span.End()

	start := time.Now()

	if st == nil || !o.llm.Capabilities().SupportsStreaming {
		resp, err := o.llm.Complete(ctx, creq)
		o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			o.metrics.RecordLLMCall(ctx, o.modelName, "error")
			return "", nil, err
		}
		o.metrics.RecordLLMCall(ctx, o.modelName, "ok")
		return resp.Content, resp.ToolCalls, nil
	}

	ch, err := o.llm.StreamCompletion(ctx, creq)
	if err != nil {
		o.metrics.RecordLLMCall(ctx, o.modelName, "error")
		return "", nil, err
	}

	var (
		sb         strings.Builder
		calls      []types.ToolCall
		firstToken = true
	)
	for chunk := range ch {
		if ctx.Err() != nil {
			// Buffered chunks may outlive the cancel; stop forwarding now.
			o.metrics.RecordLLMCall(ctx, o.modelName, "cancelled")
			return "", nil, ctx.Err()
		}
		// Error chunks terminate before any of their content is forwarded,
		// so the backend's error text never becomes a delta or part of the
		// committed reply.
		if chunk.FinishReason == "error" {
			o.metrics.RecordLLMCall(ctx, o.modelName, "error")
			return "", nil, fault.Wrap(fault.KindExternalUnavailable,
				"The language model is temporarily unavailable.", chunk.Err)
		}
		if firstToken && (chunk.Text != "" || len(chunk.ToolCalls) > 0) {
			o.metrics.LLMFirstTokenLatency.Record(ctx, time.Since(start).Seconds())
			firstToken = false
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			if err := o.emit(ctx, st, stream.TextDelta(chunk.Text)); err != nil {
				return "", nil, err
			}
		}
		calls = append(calls, chunk.ToolCalls...)
	}
	o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		o.metrics.RecordLLMCall(ctx, o.modelName, "cancelled")
		return "", nil, err
	}
	o.metrics.RecordLLMCall(ctx, o.modelName, "ok")
	return sb.String(), calls, nil
}

// act fans out the pending tool calls, one goroutine per call, with error
// isolation: a failing call becomes a failed ToolResult and never cancels
// its siblings. Results come back in the original call order.
func (o *Orchestrator) act(ctx context.Context, ts *turnState, calls []types.ToolCall, st *stream.Stream) []types.ToolResult {
	ctx, span := observe.StartSpan(ctx, "turn.act")
	defer span.End()

	results := make([]types.ToolResult, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.execTool(ctx, ts, call, st)
			return nil
		})
	}
	g.Wait()
	return results
}

// execTool resolves one call through the cache and registry and emits its
// tool.start/tool.end event pair.
func (o *Orchestrator) execTool(ctx context.Context, ts *turnState, call types.ToolCall, st *stream.Stream) types.ToolResult {
	o.emit(ctx, st, stream.ToolStart(call.ID, call.Name, call.Arguments))

	started := time.Now()
	var res types.ToolResult

	def, known := o.registry.Definition(call.Name)
	if known && o.cache != nil && def.Cacheable {
		var served bool
		res, served = o.cache.GetOrExecute(def, call.Arguments, func() types.ToolResult {
			return o.registry.Dispatch(ctx, call)
		})
		// Cached results carry the original dispatch's call id.
		res.CallID = call.ID
		o.metrics.RecordCacheLookup(ctx, served)
	} else {
		res = o.registry.Dispatch(ctx, call)
	}

	var failMsg string
	if !res.Success {
		failMsg = res.Content
	}
	o.emit(ctx, st, stream.ToolEnd(call.ID, res.Success, res.ErrorKind, failMsg))

	if a, ok := o.store.(auditor); ok {
		a.LogToolCall(context.WithoutCancel(ctx), history.ToolCallRecord{
			CallID:    call.ID,
			SessionID: ts.sessionID,
			TurnID:    ts.turnID,
			Name:      call.Name,
			ArgsJSON:  call.Arguments,
			Result:    res.Content,
			Success:   res.Success,
			Duration:  res.Duration,
			StartedAt: started,
		})
	}
	return res
}

// format commits the turn as one atomic group and emits the terminal event.
func (o *Orchestrator) format(ctx context.Context, ts *turnState, st *stream.Stream, req Request) (Result, error) {
	ts.finalText = normalizeReply(ts.finalText, req.Debug)

	ts.pending = append(ts.pending, types.Message{
		ID:        uuid.NewString(),
		Role:      types.RoleAssistant,
		Content:   ts.finalText,
		CreatedAt: time.Now(),
	})

	// The commit must survive a deadline that expires during FORMAT.
	if err := o.store.Append(context.WithoutCancel(ctx), ts.sessionID, ts.turnID, ts.pending...); err != nil {
		return o.fail(ctx, ts, st, err)
	}

	if req.Finalize != nil {
		if err := req.Finalize(ctx, ts.finalText); err != nil {
			kind := fault.KindOf(err)
			if kind != fault.KindCancelled && kind != fault.KindBackpressure {
				o.emit(context.WithoutCancel(ctx), st, stream.Error(string(kind), fault.UserMessage(err)))
			}
			return o.result(ts), err
		}
	}

	o.emit(ctx, st, stream.End(ts.turnID))
	return o.result(ts), nil
}

// fail is the ERROR state. Cancellation and backpressure are silent: nothing
// is persisted and no events are emitted. Every other failure commits the
// user message plus a fallback assistant message and emits a terminal error
// event.
func (o *Orchestrator) fail(ctx context.Context, ts *turnState, st *stream.Stream, err error) (Result, error) {
	kind := fault.KindOf(err)
	if kind == fault.KindCancelled || kind == fault.KindBackpressure {
		return o.result(ts), fault.Wrap(kind, fault.UserMessage(err), err)
	}

	fallback := fault.UserMessage(err)
	ts.finalText = fallback

	if ts.userMsg.Content != "" {
		assistant := types.Message{
			ID:        uuid.NewString(),
			Role:      types.RoleAssistant,
			Content:   fallback,
			CreatedAt: time.Now(),
		}
		o.store.Append(context.WithoutCancel(ctx), ts.sessionID, ts.turnID, ts.userMsg, assistant)
	}

	o.emit(context.WithoutCancel(ctx), st, stream.Error(string(kind), fallback))
	return o.result(ts), err
}

func (o *Orchestrator) result(ts *turnState) Result {
	return Result{
		TurnID:        ts.turnID,
		SessionID:     ts.sessionID,
		FinalText:     ts.finalText,
		ToolCallCount: ts.toolCallCount,
	}
}

// emit publishes ev when a stream is attached. A nil stream is a buffered
// turn and drops events.
func (o *Orchestrator) emit(ctx context.Context, st *stream.Stream, ev stream.Event) error {
	if st == nil {
		return nil
	}
	return st.Publish(ctx, ev)
}

// normalizeReply strips model debug markers from the final text unless the
// debug flag keeps them.
func normalizeReply(text string, debug bool) string {
	if !debug {
		text = stripMarkers(text, "<think>", "</think>")
		text = stripMarkers(text, "[debug]", "[/debug]")
	}
	return strings.TrimSpace(text)
}

// stripMarkers removes every opening..closing span, including unterminated
// trailing ones.
func stripMarkers(text, opening, closing string) string {
	for {
		i := strings.Index(text, opening)
		if i < 0 {
			return text
		}
		j := strings.Index(text[i:], closing)
		if j < 0 {
			return text[:i]
		}
		text = text[:i] + text[i+j+len(closing):]
	}
}
