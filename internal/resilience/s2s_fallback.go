package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxbench/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover at connect time. A live
// realtime session is never moved to another backend: the provider holds the
// conversation state, so a session that dies mid-call stays dead.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
	caps  s2s.Capabilities
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		caps:  primary.Capabilities(),
	}
}

// AddFallback registers an additional S2S provider. The fallback must report
// the same audio rates and turn capabilities as the primary, since the
// session is configured from them before the connect attempt.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) error {
	c := provider.Capabilities()
	if c.InputSampleRate != f.caps.InputSampleRate || c.OutputSampleRate != f.caps.OutputSampleRate ||
		c.SupportsInterrupt != f.caps.SupportsInterrupt || c.SupportsManualTurns != f.caps.SupportsManualTurns {
		return fmt.Errorf("resilience: s2s fallback %q: capabilities differ from primary", name)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Connect opens a session on the first healthy provider.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the primary's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities { return f.caps }
