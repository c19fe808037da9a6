package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/internal/orchestrator"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrAtCapacity is returned by [SessionManager.Admit] when the concurrent
// session limit is reached.
var ErrAtCapacity = errors.New("app: session limit reached")

// ErrShuttingDown is returned by [SessionManager.Admit] once CloseAll has
// been called.
var ErrShuttingDown = errors.New("app: shutting down")

// SessionInfo describes one live session.
type SessionInfo struct {
	ID        string          `json:"id"`
	Mode      voice.Mode      `json:"mode"`
	Providers voice.Providers `json:"providers"`
	State     string          `json:"state"`
	StartedAt time.Time       `json:"started_at"`
	Remote    string          `json:"remote,omitempty"`
}

type liveSession struct {
	orch   *orchestrator.Orchestrator
	remote string
}

// SessionManager admits sessions up to a limit and tracks the live ones.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	// sem is replaced when the limit changes. Each admission releases into
	// the semaphore it acquired from, so sessions admitted under an old limit
	// drain without counting against the new one.
	sem     atomic.Pointer[semaphore.Weighted]
	limit   atomic.Int64
	metrics *observe.Metrics

	mu      sync.Mutex
	live    map[string]liveSession
	closing bool
	wg      sync.WaitGroup
}

// NewSessionManager creates a manager admitting up to limit concurrent
// sessions.
func NewSessionManager(limit int, m *observe.Metrics) *SessionManager {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	sm := &SessionManager{metrics: m, live: make(map[string]liveSession)}
	sm.SetLimit(limit)
	return sm
}

// SetLimit changes the admission limit for sessions admitted from now on.
func (sm *SessionManager) SetLimit(n int) {
	n = max(n, 1)
	sm.limit.Store(int64(n))
	sm.sem.Store(semaphore.NewWeighted(int64(n)))
}

// Limit returns the current admission limit.
func (sm *SessionManager) Limit() int { return int(sm.limit.Load()) }

// Admit reserves a session slot without waiting. The returned release must be
// called exactly once when the session has ended.
func (sm *SessionManager) Admit(ctx context.Context) (release func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closing {
		return nil, ErrShuttingDown
	}
	sem := sm.sem.Load()
	if !sem.TryAcquire(1) {
		sm.metrics.SessionsRejected.Add(ctx, 1)
		return nil, ErrAtCapacity
	}
	sm.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			sm.wg.Done()
		})
	}, nil
}

// Track registers an opened session. The returned func removes it.
func (sm *SessionManager) Track(ctx context.Context, o *orchestrator.Orchestrator, remote string) (untrack func()) {
	sm.mu.Lock()
	sm.live[o.ID()] = liveSession{orch: o, remote: remote}
	sm.mu.Unlock()
	mode := string(o.Session().Mode)
	sm.metrics.SessionOpened(ctx, mode)

	var once sync.Once
	return func() {
		once.Do(func() {
			sm.mu.Lock()
			delete(sm.live, o.ID())
			sm.mu.Unlock()
			sm.metrics.SessionClosed(context.WithoutCancel(ctx), mode)
		})
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// List returns the live sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.live))
	for _, ls := range sm.live {
		out = append(out, info(ls))
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns the live session with the given id.
func (sm *SessionManager) Get(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ls, ok := sm.live[id]
	if !ok {
		return SessionInfo{}, false
	}
	return info(ls), true
}

// Close ends one live session as completed. It reports whether the session
// was live.
func (sm *SessionManager) Close(id string) bool {
	sm.mu.Lock()
	ls, ok := sm.live[id]
	sm.mu.Unlock()
	if ok {
		_ = ls.orch.Close()
	}
	return ok
}

// CloseAll ends every live session and waits until all admitted sessions have
// released their slot, or ctx is done.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closing = true
	live := make([]*orchestrator.Orchestrator, 0, len(sm.live))
	for _, ls := range sm.live {
		live = append(live, ls.orch)
	}
	sm.mu.Unlock()

	var g errgroup.Group
	for _, o := range live {
		g.Go(o.Close)
	}
	_ = g.Wait()

	drained := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func info(ls liveSession) SessionInfo {
	s := ls.orch.Session()
	return SessionInfo{
		ID:        ls.orch.ID(),
		Mode:      s.Mode,
		Providers: s.Providers,
		State:     ls.orch.State().String(),
		StartedAt: s.StartedAt,
		Remote:    ls.remote,
	}
}
