package app

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/loquax/internal/config"
	llmmock "github.com/MrWong99/loquax/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/loquax/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/loquax/pkg/provider/tts/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Providers.LLM.Name = "openai"
	return cfg
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), testConfig(), &Providers{})
	if err == nil {
		t.Fatal("expected error for missing LLM provider, got nil")
	}
}

func TestNew_WiresSubsystems(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(), &Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.orch == nil || a.svc == nil || a.httpSrv == nil {
		t.Fatal("subsystems not wired")
	}
	// Built-in tools registered by default.
	if len(a.registry.Describe()) == 0 {
		t.Error("no built-in tools registered")
	}
}

func TestStartupCheck_NoDurableTier(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(), &Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.StartupCheck(context.Background()); err != nil {
		t.Errorf("StartupCheck: %v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(), &Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(), &Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
