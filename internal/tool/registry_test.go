package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/types"
)

// echoTool returns its "text" argument verbatim.
func echoTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "echo",
			Description: "Echoes the input text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

// failTool always returns an error.
func failTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: "fail"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend exploded")
		},
	}
}

// slowTool sleeps past its declared deadline but respects cancellation.
func slowTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: "slow", MaxDurationMs: 20},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-time.After(2 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

// panicTool panics when invoked.
func panicTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: "panic"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	}
}

func newTestRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	for _, tl := range tools {
		if err := r.Register(tl); err != nil {
			t.Fatalf("Register(%q): %v", tl.Definition.Name, err)
		}
	}
	return r
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, echoTool())

	res := r.Dispatch(context.Background(), types.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"text":"hello"}`,
	})

	if !res.Success {
		t.Fatalf("Success = false, content: %s", res.Content)
	}
	if res.Content != "hello" {
		t.Errorf("Content = %q, want %q", res.Content, "hello")
	}
	if res.CallID != "c1" {
		t.Errorf("CallID = %q, want c1", res.CallID)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "nope"})

	if res.Success {
		t.Fatal("Success = true for unknown tool")
	}
	if res.ErrorKind != string(fault.KindToolNotFound) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindToolNotFound)
	}
}

func TestDispatchInvalidArguments(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, echoTool())

	tests := []struct {
		name string
		args string
	}{
		{"malformed JSON", `{"text":`},
		{"missing required field", `{}`},
		{"wrong type", `{"text": 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Dispatch(context.Background(), types.ToolCall{
				ID: "c1", Name: "echo", Arguments: tt.args,
			})
			if res.Success {
				t.Fatal("Success = true for invalid arguments")
			}
			if res.ErrorKind != string(fault.KindInputInvalid) {
				t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindInputInvalid)
			}
		})
	}
}

func TestDispatchHandlerFault(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, failTool())

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "fail", Arguments: "{}"})

	if res.Success {
		t.Fatal("Success = true for failing handler")
	}
	if res.ErrorKind != string(fault.KindToolFault) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindToolFault)
	}
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, slowTool())

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "slow", Arguments: "{}"})

	if res.Success {
		t.Fatal("Success = true for timed-out tool")
	}
	if res.ErrorKind != string(fault.KindToolTimeout) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindToolTimeout)
	}
}

func TestDispatchPanicIsCaught(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, panicTool())

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "panic", Arguments: "{}"})

	if res.Success {
		t.Fatal("Success = true for panicking handler")
	}
	if res.ErrorKind != string(fault.KindToolFault) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindToolFault)
	}
}

func TestDispatchCancellation(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Tool{
		Definition: types.ToolDefinition{Name: "wait", MaxDurationMs: 60_000},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := r.Dispatch(ctx, types.ToolCall{ID: "c1", Name: "wait", Arguments: "{}"})

	if res.Success {
		t.Fatal("Success = true for cancelled dispatch")
	}
	if res.ErrorKind != string(fault.KindCancelled) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, fault.KindCancelled)
	}
}

func TestDescribeSortedByName(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, failTool(), echoTool(), panicTool())

	defs := r.Describe()
	if len(defs) != 3 {
		t.Fatalf("len(Describe()) = %d, want 3", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name >= defs[i].Name {
			t.Errorf("definitions not sorted: %q before %q", defs[i-1].Name, defs[i].Name)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	if err := r.Register(Tool{Definition: types.ToolDefinition{Name: ""}}); err == nil {
		t.Error("Register accepted an empty name")
	}
	if err := r.Register(Tool{Definition: types.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("Register accepted a nil handler")
	}
}
