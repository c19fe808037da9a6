package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/voice"
)

func newGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failing []string
		want    string
		wantErr bool
	}{
		{name: "primary serves", want: "deepgram"},
		{name: "fallback serves", failing: []string{"deepgram"}, want: "whisper"},
		{name: "second fallback serves", failing: []string{"deepgram", "whisper"}, want: "openai"},
		{name: "all fail", failing: []string{"deepgram", "whisper", "openai"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup("deepgram", "whisper", "openai")
			var called string
			err := fg.Execute(context.Background(), func(v string) error {
				if slices.Contains(tt.failing, v) {
					return errTest
				}
				called = v
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.want {
				t.Errorf("called = %q, want %q", called, tt.want)
			}
		})
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "secondary")

	var attempts []string
	for range 3 {
		_ = fg.Execute(context.Background(), func(v string) error {
			attempts = append(attempts, v)
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	want := []string{"primary", "secondary", "primary", "secondary", "secondary"}
	if !slices.Equal(attempts, want) {
		t.Errorf("attempts = %v, want %v", attempts, want)
	}
}

func TestExecuteWithResult_KeepsErrorKind(t *testing.T) {
	t.Parallel()
	fg := newGroup("openai", "groq")

	_, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		return 0, voice.Errorf(voice.KindProviderTimeout, "llm.stream", "%s timed out", v)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := voice.KindOf(err); got != voice.KindProviderTimeout {
		t.Errorf("kind = %s, want %s", got, voice.KindProviderTimeout)
	}
}

func TestExecuteWithResult_CancelledStopsFailover(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "secondary")
	ctx, cancel := context.WithCancel(context.Background())

	var attempts []string
	_, err := ExecuteWithResult(ctx, fg, func(v string) (string, error) {
		attempts = append(attempts, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if !slices.Equal(attempts, []string{"primary"}) {
		t.Errorf("attempts = %v, want only primary", attempts)
	}
	if s := fg.entries[0].breaker.State(); s != StateClosed {
		t.Errorf("cancelled call tripped the breaker: %v", s)
	}
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestExecuteWithResult_ConfigErrorStopsFailover(t *testing.T) {
	t.Parallel()
	fg := newGroup("deepgram", "whisper")

	var attempts []string
	_, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		attempts = append(attempts, v)
		return 0, voice.Errorf(voice.KindConfig, "stt.start", "language %q unsupported", "tlh")
	})
	if voice.KindOf(err) != voice.KindConfig || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the ConfigError itself", err)
	}
	if !slices.Equal(attempts, []string{"deepgram"}) {
		t.Errorf("attempts = %v, want only deepgram", attempts)
	}
	if s := fg.entries[0].breaker.State(); s != StateClosed {
		t.Errorf("config error tripped the breaker: %v", s)
	}
}

func TestExecuteWithResult_NamesLastFailure(t *testing.T) {
	t.Parallel()
	fg := newGroup("a", "b")
	_, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		return 0, errors.New("refused")
	})
	if err == nil || !strings.Contains(err.Error(), "b: refused") {
		t.Errorf("err = %v, want the last entry named", err)
	}
}
