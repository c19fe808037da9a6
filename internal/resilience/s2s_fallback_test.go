package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxbench/pkg/provider/s2s/mock"
)

var realtimeCaps = s2s.Capabilities{
	SupportsInterrupt:   true,
	SupportsManualTurns: true,
	InputSampleRate:     24000,
	OutputSampleRate:    24000,
}

func TestS2SFallback_Connect(t *testing.T) {
	t.Parallel()

	primary := &s2smock.Provider{Caps: realtimeCaps, ConnectErr: errors.New("handshake refused")}
	secondary := &s2smock.Provider{Caps: realtimeCaps}
	f := NewS2SFallback(primary, "openai-realtime", FallbackConfig{})
	if err := f.AddFallback("openai-realtime-eu", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	h, err := f.Connect(context.Background(), s2s.SessionConfig{Instructions: "Be brief."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()
	if h != s2s.SessionHandle(secondary.Session) {
		t.Error("session not served by the fallback")
	}
	if got := secondary.Calls(); len(got) != 1 || got[0].Cfg.Instructions != "Be brief." {
		t.Errorf("fallback calls: %+v", got)
	}
	if c := f.Capabilities(); c.InputSampleRate != 24000 || !c.SupportsManualTurns {
		t.Errorf("capabilities = %+v", c)
	}
}

func TestS2SFallback_RejectsMismatchedCapabilities(t *testing.T) {
	t.Parallel()

	f := NewS2SFallback(&s2smock.Provider{Caps: realtimeCaps}, "openai-realtime", FallbackConfig{})
	gemini := s2s.Capabilities{SupportsInterrupt: false, InputSampleRate: 16000, OutputSampleRate: 24000}
	if err := f.AddFallback("gemini-live", &s2smock.Provider{Caps: gemini}); err == nil {
		t.Fatal("expected error for differing capabilities")
	}
	if got := f.group.Names(); len(got) != 1 {
		t.Errorf("entries = %v, want primary only", got)
	}
}
